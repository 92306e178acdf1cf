// Package fortunebot implements a Discord bot that answers a small set of
// bang-prefixed text commands, and hands out one piece of advice per user
// per cooldown window.
//
// Advice is drawn from a fixed pool of templates. A user never sees the
// same template twice until they've seen the whole pool. With the shared
// pool enabled, a synthetic "meta" record also tracks every index handed
// out to anyone, so no two users receive the same template until the
// global pool is exhausted.
//
// Key components of the package include:
//
//   - Bot: wires configuration, storage, the Discord session and the API.
//   - Gate: decides whether a user's cooldown has elapsed.
//   - Draw: the non-repeating random selection over one or more DrawnSet.
//   - Dispenser: the read-modify-write path for a single dispense request.
//   - UserStore: the record store, backed by GORM (SQLite or PostgreSQL).
//   - API: an optional read-only status API.
//
// Commands:
//
//   - !help: lists commands
//   - !ping: replies with Pong!
//   - !advice: draws advice for the caller
//   - !fortune: retired in favor of !advice (configurable)
package fortunebot
