package ginrouter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/circleci/typeset/o11y"
)

const contextCancelledKey = "o11y-context-cancelled-key"

// Middleware starts a server span for every request, continuing any trace propagated in
// the request headers.
func Middleware(provider o11y.Provider, serverName string) gin.HandlerFunc {
	m := provider.MetricsProvider()
	return func(c *gin.Context) {
		before := time.Now()

		ctx := o11y.WithProvider(c.Request.Context(), provider)
		ctx, span := startSpanOrTraceFromHTTP(ctx, c, provider)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)

		for _, param := range c.Params {
			span.AddRawField("handler.vars."+param.Key, param.Value)
		}

		route := c.FullPath()
		if route == "" {
			route = "not-found"
		}
		c.Header("X-Route", route)

		span.AddRawField("meta.type", "http_server")
		span.AddRawField("http.server_name", serverName)
		span.AddRawField("http.route", c.FullPath())
		span.AddRawField("http.client_ip", c.ClientIP())
		span.AddRawField("http.method", c.Request.Method)
		span.AddRawField("http.url", c.Request.URL.String())
		span.AddRawField("http.user_agent", c.Request.UserAgent())
		span.AddRawField("http.request_content_length", c.Request.ContentLength)

		defer func() {
			status := c.Writer.Status()
			if c.GetBool(contextCancelledKey) {
				status = 499
			}
			span.AddRawField("http.status_code", status)
			span.AddRawField("http.response_content_length", c.Writer.Size())

			_ = m.TimeInMilliseconds("handler",
				float64(time.Since(before).Nanoseconds())/1000000.0,
				[]string{
					"http.server_name:" + serverName,
					"http.method:" + c.Request.Method,
					"http.route:" + c.FullPath(),
					"http.status_code:" + strconv.Itoa(status),
				},
				1,
			)
		}()

		c.Next()
	}
}

// ClientCancelled marks requests whose context was cancelled, so they are traced with
// a 499 (a la nginx) whatever status was written.
func ClientCancelled() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		defer func() {
			if errors.Is(ctx.Err(), context.Canceled) {
				c.Set(contextCancelledKey, true)
				return
			}
			// errors within gin itself, for instance during rendering
			if len(c.Errors) > 0 {
				o11y.AddField(ctx, "gin_internal_error", c.Errors.String())
			}
		}()
		c.Next()
	}
}

// Recovery turns handler panics into 500s and reports them.
//
// http.ErrAbortHandler is re-raised, so that net/http drops the connection instead of
// completing a partially written response. A panic after the response has started is
// handled the same way, since a 500 can no longer be sent.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			ctx := c.Request.Context()
			span := o11y.FromContext(ctx).GetSpan(ctx)

			if err, ok := p.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				if span != nil {
					o11y.AddResultToSpan(span, err)
				}
				c.Abort()
				panic(p)
			}

			if span != nil {
				_ = o11y.HandlePanic(ctx, span, p, c.Request)
			}
			if c.Writer.Written() {
				c.Abort()
				panic(http.ErrAbortHandler)
			}
			c.AbortWithStatus(http.StatusInternalServerError)
		}()
		c.Next()
	}
}

func startSpanOrTraceFromHTTP(ctx context.Context, c *gin.Context, p o11y.Provider) (context.Context, o11y.Span) {
	name := fmt.Sprintf("%s %s", c.Request.Method, c.FullPath())
	if p.GetSpan(ctx) != nil {
		return o11y.StartSpan(ctx, name)
	}
	// no trace yet, so make one from any propagated headers and use its root span
	ctx, span := p.Helpers().InjectPropagation(ctx, o11y.PropagationContextFromHeader(c.Request.Header))
	span.AddRawField("name", name)
	return ctx, span
}
