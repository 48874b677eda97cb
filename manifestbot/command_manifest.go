package manifestbot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"time"
)

const (
	ManifestCommandStateReceived   ManifestCommandState = "received"
	ManifestCommandStateInProgress ManifestCommandState = "in_progress"
	ManifestCommandStateCompleted  ManifestCommandState = "completed"
	ManifestCommandStateFailed     ManifestCommandState = "failed"
	ManifestCommandStateIgnored    ManifestCommandState = "ignored"

	// manifestCommandAppIDOption is the name of the /manifest command's
	// only option
	manifestCommandAppIDOption = "app_id"

	manifestAppIDMaxLength = 20
)

var (
	columnManifestCommandState          = "state"
	columnManifestCommandStartedAt      = "started_at"
	columnManifestCommandFinishedAt     = "finished_at"
	columnManifestCommandResponse       = "response"
	columnManifestCommandError          = "error"
	columnManifestCommandFileCount      = "file_count"
	columnManifestCommandArchived       = "archived"
	columnManifestCommandRateLimitUsed  = "rate_limit_used"
	columnManifestCommandRateLimitLimit = "rate_limit_limit"
	columnManifestCommandAcknowledged   = "acknowledged"

	// replyTimeout bounds the final interaction edit, which is sent even
	// if the command's own context has expired
	replyTimeout = 30 * time.Second

	// errNoValidManifests is returned when manifests were downloaded, but
	// none of them could be read back for upload
	errNoValidManifests = errors.New("no valid manifest files found")

	errUploadFailed = errors.New("couldn't send manifest files")
)

type ManifestCommandState string

// ManifestCommand is a single '/manifest <app_id>' invocation.
//
// It's created as ManifestCommandStateReceived when the interaction is
// acknowledged, moves to ManifestCommandStateInProgress when execution
// starts, and finishes as either ManifestCommandStateCompleted or
// ManifestCommandStateFailed. Commands are never retried.
type ManifestCommand struct {
	ModelUintID
	ModelUnixTime
	Interaction

	AppID string               `json:"app_id" gorm:"index"`
	State ManifestCommandState `json:"state" gorm:"type:string;index"`

	// FileCount is the number of manifest files sent to the user
	FileCount int `json:"file_count"`

	// Archived is true when files were sent as a single zip archive
	Archived bool `json:"archived"`

	// GitHub API rate limit, as reported in the reply
	RateLimitUsed  int `json:"rate_limit_used"`
	RateLimitLimit int `json:"rate_limit_limit"`

	handler InteractionHandler
	logger  *slog.Logger
}

// NewManifestCommand creates a ManifestCommand from the given
// interaction. The app_id option is passed through as-is (minus
// surrounding whitespace), and validated by the fetcher.
func NewManifestCommand(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	handler InteractionHandler,
) *ManifestCommand {
	var appID string
	if opt, ok := discordInteractionOptions(i)[manifestCommandAppIDOption]; ok {
		appID = strings.TrimSpace(opt.StringValue())
	}
	c := &ManifestCommand{
		Interaction: newInteraction(i, u),
		AppID:       truncate(appID, manifestAppIDMaxLength),
		State:       ManifestCommandStateReceived,
		handler:     handler,
	}
	if handler != nil {
		c.logger = handler.Logger().With("app_id", c.AppID)
	}
	return c
}

func (c ManifestCommand) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(c.ID)),
		slog.String("app_id", c.AppID),
		slog.String("state", string(c.State)),
		slog.Any("interaction", c.Interaction),
	)
}

// manifestReply is the final message sent for a ManifestCommand
type manifestReply struct {
	Content  string
	Files    []*discordgo.File
	Archived bool
	// FileCount is the number of manifest files included, whether
	// attached individually or archived
	FileCount int
}

// execute runs the command: clear the output directory, download
// manifests, snapshot the GitHub rate limit, then reply with either the
// files or an error message. Any error is returned after the reply is
// sent and the record is updated.
func (c *ManifestCommand) execute(ctx context.Context, bot *ManifestBot) error {
	bot.manifestCommandsInProgress.Add(1)
	defer bot.manifestCommandsInProgress.Add(-1)

	logger := c.logger
	if logger == nil {
		logger = bot.logger.With("app_id", c.AppID)
	}
	logger = logger.With("manifest_command_id", c.ID)
	ctx = WithLogger(ctx, logger)

	started := time.Now()
	c.StartedAt = &started
	c.State = ManifestCommandStateInProgress
	_, dbErr := bot.writeDB.Updates(
		context.WithoutCancel(ctx),
		c,
		map[string]any{
			columnManifestCommandState:     c.State,
			columnManifestCommandStartedAt: c.StartedAt,
		},
	)
	logDBError(ctx, logger, "error updating manifest command", dbErr)

	cmdCtx, cancel := context.WithDeadline(ctx, c.commandDeadline(bot.config.Manifest.CommandTimeout))
	defer cancel()

	var paths []string
	dir, err := bot.workspace.Acquire(cmdCtx, c.InteractionID)
	if err == nil {
		defer bot.workspace.Release(context.WithoutCancel(ctx), dir)
		paths, err = c.download(cmdCtx, bot, dir)
	}

	replyCtx, replyCancel := c.replyContext(ctx)
	defer replyCancel()

	rateLimit, rlErr := bot.fetcher.RateLimit(replyCtx)
	if rlErr != nil {
		logger.WarnContext(ctx, "unable to get rate limit", tint.Err(rlErr))
	}

	reply, err := c.reply(ctx, logger, paths, rateLimit, err)
	if err != nil {
		logger.ErrorContext(ctx, "manifest command failed", tint.Err(err))
	}

	_, editErr := c.handler.Edit(
		replyCtx,
		&discordgo.WebhookEdit{Content: &reply.Content, Files: reply.Files},
		discordgo.WithContext(replyCtx),
	)
	if editErr != nil {
		logger.ErrorContext(ctx, "error sending reply", tint.Err(editErr))
		err = errors.Join(err, fmt.Errorf("error sending reply: %w", editErr))

		// a rejected upload (ex: too large) still gets an error reply
		if len(reply.Files) > 0 {
			reply = c.uploadFailedReply(rateLimit)
			_, fallbackErr := c.handler.Edit(
				replyCtx,
				&discordgo.WebhookEdit{Content: &reply.Content},
				discordgo.WithContext(replyCtx),
			)
			if fallbackErr != nil {
				logger.ErrorContext(ctx, "error sending upload failure reply", tint.Err(fallbackErr))
				err = errors.Join(err, fmt.Errorf("error sending reply: %w", fallbackErr))
			}
		}
	}

	finished := time.Now()
	c.FinishedAt = &finished
	c.Response = &reply.Content
	c.FileCount = reply.FileCount
	c.Archived = reply.Archived
	c.RateLimitUsed = rateLimit.Used
	c.RateLimitLimit = rateLimit.Limit
	c.State = ManifestCommandStateCompleted
	if err != nil {
		c.State = ManifestCommandStateFailed
		c.Error = NullableString(err.Error())
	}

	_, dbErr = bot.writeDB.Updates(
		context.WithoutCancel(ctx),
		c,
		map[string]any{
			columnManifestCommandState:          c.State,
			columnManifestCommandFinishedAt:     c.FinishedAt,
			columnManifestCommandResponse:       c.Response,
			columnManifestCommandError:          c.Error,
			columnManifestCommandFileCount:      c.FileCount,
			columnManifestCommandArchived:       c.Archived,
			columnManifestCommandRateLimitUsed:  c.RateLimitUsed,
			columnManifestCommandRateLimitLimit: c.RateLimitLimit,
		},
	)
	logDBError(ctx, logger, "error updating manifest command", dbErr)

	logger.InfoContext(
		ctx,
		"finished manifest command",
		"state", c.State,
		"file_count", c.FileCount,
		"archived", c.Archived,
		"rate_limit", rateLimit,
		"duration", finished.Sub(started),
	)
	return err
}

// download clears dir, then asks the fetcher to download the AppID's
// manifests into it. Panics are recovered when RecoverPanic is set.
func (c *ManifestCommand) download(
	ctx context.Context,
	bot *ManifestBot,
	dir string,
) (paths []string, err error) {
	if c.handler.Config().RecoverPanic {
		defer func() {
			if rc := recover(); rc != nil {
				bot.handleRecover(ctx, rc)
				paths = nil
				err = fmt.Errorf("recovered from panic: %v", rc)
			}
		}()
	}

	logger, _ := ContextLogger(ctx)
	if logger == nil {
		logger = bot.logger
	}
	if clearErr := clearOutputDirectory(ctx, logger, dir); clearErr != nil {
		logger.WarnContext(ctx, "output directory not fully cleared", tint.Err(clearErr))
	}

	logger.InfoContext(ctx, "downloading manifests", "dir", dir)
	return bot.fetcher.Download(ctx, c.AppID, dir)
}

// reply renders the message sent back to the user. When fetchErr is
// set, or no downloaded file is usable, the reply is an error message with
// no attachments, and the error is returned. Every reply ends with the
// rate limit.
func (c *ManifestCommand) reply(
	ctx context.Context,
	logger *slog.Logger,
	paths []string,
	rateLimit RateLimit,
	fetchErr error,
) (manifestReply, error) {
	rateLine := rateLimitMessage(rateLimit)

	if fetchErr == nil {
		files := loadManifestFiles(ctx, logger, paths)
		if len(files) == 0 {
			fetchErr = fmt.Errorf("%w for app ID %s", errNoValidManifests, c.AppID)
		} else {
			reply, err := c.filesReply(files)
			if err == nil {
				reply.Content = joinReplyLines(reply.Content, rateLine)
				return reply, nil
			}
			fetchErr = err
		}
	}

	errLine := fmt.Sprintf(
		"Error processing AppID %s: %s",
		c.AppID,
		userFacingError(fetchErr),
	)
	return manifestReply{Content: withRateLimit(errLine, rateLimit)}, fetchErr
}

// uploadFailedReply is sent in place of a reply whose files couldn't be
// uploaded
func (c *ManifestCommand) uploadFailedReply(rateLimit RateLimit) manifestReply {
	return manifestReply{
		Content: withRateLimit(
			fmt.Sprintf("Error processing AppID %s: %s", c.AppID, errUploadFailed),
			rateLimit,
		),
	}
}

// filesReply attaches files individually when there are no more than
// maxManifestAttachments, or as a single zip archive otherwise.
func (c *ManifestCommand) filesReply(files []manifestFile) (manifestReply, error) {
	if len(files) <= maxManifestAttachments {
		attachments := make([]*discordgo.File, 0, len(files))
		for _, f := range files {
			attachments = append(
				attachments,
				&discordgo.File{
					Name:        f.Name,
					ContentType: manifestContentType,
					Reader:      bytes.NewReader(f.Content),
				},
			)
		}
		return manifestReply{
			Content: fmt.Sprintf(
				"Here are your manifest files for AppID %s:\nSent %d manifest %s",
				c.AppID,
				len(files),
				pluralize(len(files), "file", "files"),
			),
			Files:     attachments,
			FileCount: len(files),
		}, nil
	}

	archive, err := archiveManifests(files)
	if err != nil {
		return manifestReply{}, err
	}
	return manifestReply{
		Content: fmt.Sprintf(
			"Here are your manifest files for AppID %s (zipped):\nSent %d manifest files",
			c.AppID,
			len(files),
		),
		Files: []*discordgo.File{
			{
				Name:        archiveName(c.AppID),
				ContentType: archiveContentType,
				Reader:      archive,
			},
		},
		Archived:  true,
		FileCount: len(files),
	}, nil
}

// commandDeadline returns the earlier of the interaction token's expiry
// and now+timeout
func (c *ManifestCommand) commandDeadline(timeout time.Duration) time.Time {
	deadline := c.Deadline()
	if c.TokenExpires == 0 {
		deadline = time.Now().Add(discordInteractionTokenLifespan)
	}
	if timeout > 0 {
		if d := time.Now().Add(timeout); d.Before(deadline) {
			deadline = d
		}
	}
	return deadline
}

// replyContext returns a context for sending the reply, which outlives
// cancellation of ctx, but not the interaction token.
func (c *ManifestCommand) replyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	replyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	if c.TokenExpires == 0 {
		return replyCtx, cancel
	}
	deadlineCtx, deadlineCancel := context.WithDeadline(replyCtx, c.Deadline())
	return deadlineCtx, func() {
		deadlineCancel()
		cancel()
	}
}

// rateLimitMessage renders the GitHub API rate limit for a reply. The
// "<used>/<limit> requests used" portion is always present.
func rateLimitMessage(rl RateLimit) string {
	if !rl.Known {
		return "GitHub API: " + rl.String()
	}
	msg := fmt.Sprintf(
		"GitHub API: %s (%d remaining, resets <t:%d:R>)",
		rl.String(),
		rl.Remaining,
		rl.Reset,
	)
	if rl.Exhausted() {
		msg += "\nGitHub API rate limit exhausted!"
	}
	return msg
}

// userFacingError renders err for the reply message
func userFacingError(err error) string {
	var fetchErr *FetchError
	switch {
	case err == nil:
		return "unknown error"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.As(err, &fetchErr) && fetchErr.StatusCode != 0 && fetchErr.Err == nil:
		return fmt.Sprintf("GitHub request failed with status %d", fetchErr.StatusCode)
	default:
		return err.Error()
	}
}

// withRateLimit appends the rate limit line to msg, truncating msg so
// the result fits in a single discord message
func withRateLimit(msg string, rl RateLimit) string {
	rateLine := rateLimitMessage(rl)
	return joinReplyLines(truncate(msg, discordMaxMessageLength-len(rateLine)-1), rateLine)
}

func joinReplyLines(lines ...string) string {
	return strings.Join(lines, "\n")
}

func pluralize(n int, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}
