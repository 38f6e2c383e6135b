package gateway

import "context"

// routeDetails is the per-request routing record handlers fill in so the
// observability middleware can log it. The holder is placed in the
// context before the handler runs; handlers mutate it in place.
type routeDetails struct {
	Model         string
	Score         int
	Rationale     []string
	CacheHit      bool
	UpstreamMS    int64
	FallbackCount int
	ErrorCode     string
}

type ctxKeyDetails struct{}

func withDetails(ctx context.Context) (context.Context, *routeDetails) {
	d := &routeDetails{}
	return context.WithValue(ctx, ctxKeyDetails{}, d), d
}

func details(ctx context.Context) *routeDetails {
	d, _ := ctx.Value(ctxKeyDetails{}).(*routeDetails)
	return d
}

func dispatchDetails(ctx context.Context) (routeDetails, bool) {
	d := details(ctx)
	if d == nil || d.Model == "" && d.ErrorCode == "" && d.Score == 0 {
		return routeDetails{}, false
	}
	return *d, true
}
