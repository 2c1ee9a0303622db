package engine

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/xela07ax/agentgate/internal/domain"
)

// Тип для ключа в контексте (избегаем коллизий)
type ctxKey string

const (
	traceIDKey  ctxKey = "trace_id"
	identityKey ctxKey = "identity"
	gateKey     ctxKey = "gate"
)

const fallbackTraceID = "00000000-0000-0000-0000-000000000000"

// TracingMiddleware инициализирует Trace-ID для каждого запроса
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 1. Пытаемся достать ID из заголовка (если пришел от агента/прокси)
		traceID := r.Header.Get("X-Trace-ID")

		// 2. Если его нет — генерируем новый
		if traceID == "" {
			traceID = uuid.New().String()
		}

		// 3. Кладем в контекст
		ctx := context.WithValue(r.Context(), traceIDKey, traceID)

		// 4. Добавляем в ответ, чтобы клиент тоже знал ID своего запроса
		w.Header().Set("X-Trace-ID", traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TraceIDFrom помогает безопасно достать ID в любом месте кода
func TraceIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return fallbackTraceID
}

// IdentityFrom возвращает идентичность, установленную шагом аутентификации. nil, если шаг не выполнялся.
func IdentityFrom(ctx context.Context) *domain.Identity {
	id, _ := ctx.Value(identityKey).(*domain.Identity)
	return id
}

func withIdentity(ctx context.Context, id *domain.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GateFrom отдает Gate, через который прошел запрос. Нужен обработчикам, которые
// сами проверяют привилегированные операции (WS-сессия).
func GateFrom(ctx context.Context) *Gate {
	g, _ := ctx.Value(gateKey).(*Gate)
	return g
}

func (g *Gate) bindContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), gateKey, g)))
	})
}

// timingWriter дописывает X-Process-Time-Ms перед отправкой заголовков и запоминает статус.
type timingWriter struct {
	http.ResponseWriter
	start       time.Time
	status      int
	wroteHeader bool
}

func (tw *timingWriter) WriteHeader(code int) {
	if !tw.wroteHeader {
		tw.wroteHeader = true
		tw.status = code
		ms := float64(time.Since(tw.start).Microseconds()) / 1000
		tw.Header().Set("X-Process-Time-Ms", strconv.FormatFloat(ms, 'f', 2, 64))
	}
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *timingWriter) Write(b []byte) (int, error) {
	if !tw.wroteHeader {
		tw.WriteHeader(http.StatusOK)
	}
	return tw.ResponseWriter.Write(b)
}

func (tw *timingWriter) Flush() {
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack нужен для WS-апгрейда через gorilla.
func (tw *timingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := tw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("engine: response writer does not support hijacking")
	}
	tw.wroteHeader = true
	tw.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (tw *timingWriter) Unwrap() http.ResponseWriter { return tw.ResponseWriter }

// InstrumentMiddleware пишет X-Process-Time-Ms и latency по шаблону маршрута.
func InstrumentMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tw := &timingWriter{ResponseWriter: w, start: time.Now(), status: http.StatusOK}
			next.ServeHTTP(tw, r)

			if m == nil {
				return
			}
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			m.RequestDuration.WithLabelValues(route, strconv.Itoa(tw.status)).Observe(time.Since(tw.start).Seconds())
		})
	}
}

// corsMiddleware разрешает кросс-доменные вызовы только с одного origin (UI).
// Preflight тоже проходит allowlist: неразрешенный пир не получает даже заголовков CORS.
func (g *Gate) corsMiddleware(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if origin == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "Origin")
			matched := r.Header.Get("Origin") == origin

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				d := g.allowlist.Evaluate(r.RemoteAddr, r.URL.EscapedPath())
				g.record(r, d)
				if !d.Allow {
					writeRejection(w, d)
					return
				}
				if !matched {
					WriteError(w, http.StatusForbidden, CodeForbidden, "origin-not-allowed")
					return
				}
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Trace-ID")
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if matched {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Expose-Headers", "X-Trace-ID, X-Process-Time-Ms")
			}
			next.ServeHTTP(w, r)
		})
	}
}
