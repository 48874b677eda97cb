// Package manifestbot implements a Discord bot that fetches Steam depot
// manifest files from GitHub-hosted repositories and uploads them to the
// channel the command was invoked in.
//
// Users invoke the /manifest slash command with a Steam AppID. The bot
// checks each configured repository for a branch named after the AppID,
// downloads every .manifest file from the most recently updated one,
// and replies with the files as attachments. Past a configurable count,
// the files are zipped into a single archive instead. Every reply also
// reports the GitHub API rate limit usage.
//
// Key components of the package include:
//
//   - ManifestBot: The main struct that ties the other components together.
//   - Discord: Handles the Discord session and slash command registration.
//   - GitHubFetcher: Lists and downloads manifests, and tracks the rate limit.
//   - Workspace: Provides an isolated output directory per command.
//   - API: A backend API for monitoring and runtime configuration.
//   - DiscordWebhookServer: Receives interactions via HTTP instead of the gateway.
//
// Commands and interactions are persisted via GORM (sqlite or postgres),
// and settings such as pausing the bot or log levels can be changed at
// runtime without a restart.
package manifestbot
