// Package officevulp implements a Discord bot which answers questions about
// a game server's "panic bunker".
//
// While no admins are online, the game server refuses connections from
// players with little playtime. New members of the community's Discord
// server tend to ask about it, so the bot watches for messages that look
// like those questions and replies with an info card explaining it.
//
// Key components:
//
//   - Bot: owns the config, the discord session and the HTTP servers.
//   - Discord: the gateway session, connection state and slash commands.
//   - API: health, status and prometheus metrics endpoints.
//   - DiscordWebhookServer: optionally receives interactions via webhook.
//
// A message gets a reply when its author is a person (not a bot) who joined
// the guild less than [PanicBunkerConfig.JoinThreshold] ago, and its content
// matches one of the FAQ's trigger patterns. Every reply carries a 'Delete'
// button only the asker can use, until it expires.
//
// The `/panic-bunker-info` command posts the same card on demand.
package officevulp
