// Package logx provides structured logging for stakebot.
//
// It wraps zerolog behind a small Logger/Field API so components never import
// zerolog directly, and a Service that can swap sinks and levels at runtime
// (console and/or file) when the config hot-reloads.
package logx
