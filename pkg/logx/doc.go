// Package logx is postplan's structured logging on top of zerolog.
//
// Components take a Logger value and derive their own with
// With(logx.String("comp", ...)). A Service owns the sinks (console, JSON
// file and the rate-limited operator alert sink) and can be reconfigured
// while running.
package logx
