// Package logging provides structured logging for memoryd.
//
// It wraps Zap with:
//   - a Trace level below Debug
//   - stdout output plus an optional OpenTelemetry bridge
//   - correlation fields pulled from context (trace_id, request_id,
//     container_tag, document_id)
//   - encoder-level redaction of sensitive keys and value patterns
//   - sampling below Error
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithContainerTag(ctx, "project-x")
//	logger.Info(ctx, "document stored", zap.String("id", id))
//
// Tests use NewTestLogger and its Assert helpers.
package logging
