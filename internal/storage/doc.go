// Package storage persists the bot's loop state: the global delay,
// the rotation of source messages to copy, and one row per known group.
//
// Two drivers are available: "sqlite" (default, modernc.org/sqlite) and
// "memory" (volatile, used by tests). All drivers implement Store.
package storage
