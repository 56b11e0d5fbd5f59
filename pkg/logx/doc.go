// Package logx is recurd's structured logging: a value-type Logger over
// zerolog with typed Field helpers, a console or JSON file sink, and live
// level and sink changes through Service.Apply on config reload.
package logx
