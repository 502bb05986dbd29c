// Package logx provides a small structured logging facade over zerolog.
//
// Components receive a Logger value and never touch zerolog directly, so log
// sinks and levels can be swapped at runtime via Service.Apply without
// re-threading loggers through the dependency graph.
package logx
