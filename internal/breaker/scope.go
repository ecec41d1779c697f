package breaker

// Matches reports whether the breaker's scope covers the trading context.
// A STRATEGY or ASSET breaker without a scope id matches every
// context, acting portfolio-wide.
func Matches(b CircuitBreaker, tc TradingContext) bool {
	switch b.Scope {
	case ScopePortfolio:
		return true
	case ScopeStrategy:
		return b.ScopeID == "" || b.ScopeID == tc.StrategyID
	case ScopeAsset:
		return b.ScopeID == "" || b.ScopeID == tc.AssetID
	default:
		return false
	}
}

// ContextForEvent derives the scope-matching context of a recorded event.
func ContextForEvent(ev TradingEvent) TradingContext {
	return TradingContext{StrategyID: ev.StrategyID, AssetID: ev.AssetID}
}

func validScope(s Scope) bool {
	return s == ScopePortfolio || s == ScopeStrategy || s == ScopeAsset
}
