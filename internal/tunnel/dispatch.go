package tunnel

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rbarinov/echoshell/internal/wire"
)

// Request is one proxied HTTP call with its extracted path parameters.
type Request struct {
	wire.HTTPRequest
	Params map[string]string
}

// HandlerFunc resolves one proxied request into a response frame.
type HandlerFunc func(ctx context.Context, req Request) wire.HTTPResponse

type route struct {
	method  string
	segs    []string
	handler HandlerFunc
}

// Mux routes proxied requests by method and path pattern. Patterns use
// {name} segments, e.g. "/sessions/{id}/command".
type Mux struct {
	routes []route
}

func NewMux() *Mux { return &Mux{} }

func (m *Mux) Handle(method, pattern string, h HandlerFunc) {
	m.routes = append(m.routes, route{
		method:  method,
		segs:    splitPath(pattern),
		handler: h,
	})
}

// Dispatch finds the matching route and runs it; no match is a 404.
func (m *Mux) Dispatch(ctx context.Context, req wire.HTTPRequest) wire.HTTPResponse {
	segs := splitPath(req.Path)
	for _, rt := range m.routes {
		if rt.method != req.Method {
			continue
		}
		params, ok := match(rt.segs, segs)
		if !ok {
			continue
		}
		resp := rt.handler(ctx, Request{HTTPRequest: req, Params: params})
		resp.Type = wire.TypeHTTPResponse
		resp.RequestID = req.RequestID
		return resp
	}
	resp := Error(404, "not found")
	resp.RequestID = req.RequestID
	return resp
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func match(pattern, segs []string) (map[string]string, bool) {
	if len(pattern) != len(segs) {
		return nil, false
	}
	var params map[string]string
	for i, ps := range pattern {
		if strings.HasPrefix(ps, "{") && strings.HasSuffix(ps, "}") {
			if params == nil {
				params = make(map[string]string)
			}
			params[ps[1:len(ps)-1]] = segs[i]
			continue
		}
		if ps != segs[i] {
			return nil, false
		}
	}
	return params, true
}

// JSON builds a response frame with a JSON body.
func JSON(status int, v any) wire.HTTPResponse {
	body, _ := json.Marshal(v)
	return wire.HTTPResponse{
		Type:       wire.TypeHTTPResponse,
		StatusCode: status,
		Headers:    map[string][]string{"Content-Type": {"application/json"}},
		Body:       string(body),
	}
}

// Error builds a {"error": message} response frame.
func Error(status int, message string) wire.HTTPResponse {
	return JSON(status, map[string]string{"error": message})
}
