package rules

import (
	"fmt"
	"net/http"

	"github.com/trinogate/trinogate/trino"
)

// Selector kinds accepted in the configuration.
const (
	SelectorHeader      = "header"
	SelectorRules       = "rules"
	SelectorHeaderFirst = "header-with-rules-fallback"
)

// Selector chooses the routing group for a new query submission. The
// empty string means no preference, the routing manager falls back to
// the default group. Selectors are pure, all request parsing happens
// before selection.
type Selector interface {
	Select(r *http.Request, user trino.RequestUser, props trino.QueryProperties) string
}

// HeaderSelector takes the routing group from the client provided
// routing group header.
type HeaderSelector struct{}

func (HeaderSelector) Select(r *http.Request, _ trino.RequestUser, _ trino.QueryProperties) string {
	return trino.RoutingGroup(r.Header)
}

// EngineSelector asks the rules engine and ignores the routing group
// header.
type EngineSelector struct {
	Engine *Engine
}

func (s EngineSelector) Select(r *http.Request, user trino.RequestUser, props trino.QueryProperties) string {
	return s.Engine.Evaluate(Attributes(r, user, props))
}

// HeaderFirstSelector honors the routing group header when the client
// set one and consults the rules engine otherwise.
type HeaderFirstSelector struct {
	Engine *Engine
}

func (s HeaderFirstSelector) Select(r *http.Request, user trino.RequestUser, props trino.QueryProperties) string {
	if group := trino.RoutingGroup(r.Header); group != "" {
		return group
	}

	return s.Engine.Evaluate(Attributes(r, user, props))
}

// NewSelector creates the selector for the configured kind. The rules
// engine is required for the kinds that evaluate rules.
func NewSelector(kind string, engine *Engine) (Selector, error) {
	switch kind {
	case "", SelectorHeader:
		return HeaderSelector{}, nil
	case SelectorRules:
		if engine == nil {
			return nil, fmt.Errorf("selector %s requires the rules engine", kind)
		}

		return EngineSelector{Engine: engine}, nil
	case SelectorHeaderFirst:
		if engine == nil {
			return nil, fmt.Errorf("selector %s requires the rules engine", kind)
		}

		return HeaderFirstSelector{Engine: engine}, nil
	default:
		return nil, fmt.Errorf("unsupported routing group selector: %s", kind)
	}
}
