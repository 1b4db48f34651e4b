// Package logging provides structured logging for Conductor runs.
//
// It wraps log/slog with a JSON handler. Each project gets its own log file
// at {projectDir}/.conductor/debug.log so a crashed or resumed run can be
// analyzed after the fact.
//
// # Context Propagation
//
//	logger, err := logging.NewLoggerWithRotation(stateDir, "INFO", logging.DefaultRotationConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	storyLog := logger.WithProject("shop").WithStory("story-3").WithRole("coder")
//	storyLog.Info("story claimed", "worker", "coder-1")
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"story claimed","project_id":"shop","story_id":"story-3","role":"coder","worker":"coder-1"}
//
// # Log Rotation
//
// Rotated files are named debug.log.1, debug.log.2, and so on, where .1 is
// the most recent backup. With Compress enabled they become debug.log.1.gz.
//
// # Testing
//
// Use [NopLogger] to discard output, or [NewWriterLogger] with a
// bytes.Buffer to assert on entries.
//
// # Thread Safety
//
// [Logger] and [RotatingWriter] are safe for concurrent use. Child loggers
// created via With* methods share the underlying writer.
package logging
