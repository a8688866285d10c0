package logging

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/sirupsen/logrus"
)

// Middleware attaches a per-request LogData to the context and logs one
// structured line when the request completes. Handlers enrich the line
// through GetLogData.
func Middleware(logger *logrus.Logger) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		operation := ctx.Operation().OperationID
		logger.Infof("Handler.%v.Start", operation)

		logData := NewLogData(logger)
		logData.AddData("method", ctx.Method())
		logData.AddData("path", ctx.URL().Path)

		endTimer := logData.AddTiming("duration")
		next(huma.WithValue(ctx, logDataKey{}, logData))
		endTimer()

		status := ctx.Status()
		entry := logData.Log().WithField("status", status)
		if status >= 500 {
			entry.Errorf("Handler.%v.Error", operation)
			return
		}
		entry.Infof("Handler.%v.Complete", operation)
	}
}
