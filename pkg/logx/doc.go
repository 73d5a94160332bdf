// Package logx is ranchd's structured logger: a value-type Logger of
// zerolog field funcs, backed by a Service whose level and sinks can be
// swapped while the process runs.
package logx
