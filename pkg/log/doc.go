/*
Package log provides structured logging for the easycicd agent.

It wraps zerolog with a global logger plus child-logger helpers that attach
the fields used across the codebase (component, project_id, build_id,
trace_id). Call Init once at startup; everything else reads the global.
*/
package log
