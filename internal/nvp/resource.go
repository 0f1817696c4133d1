package nvp

import (
	"context"
	"net/http"
	"net/url"

	"quark/internal/errdefs"
)

const (
	lswitchPath         = "/ws.v1/lswitch"
	securityProfilePath = "/ws.v1/security-profile"
	transportZonePath   = "/ws.v1/transport-zone"
)

// Resource addresses one collection on the controller.
type Resource[T any] struct {
	c    *Client
	path string
}

// LSwitch is the logical switch collection.
func (c *Client) LSwitch() Resource[LSwitch] {
	return Resource[LSwitch]{c: c, path: lswitchPath}
}

// LPort is the port collection of a switch; "*" spans every switch and is
// only valid for queries.
func (c *Client) LPort(switchUUID string) Resource[LPort] {
	return Resource[LPort]{c: c, path: lswitchPath + "/" + url.PathEscape(switchUUID) + "/lport"}
}

func (c *Client) SecurityProfile() Resource[SecurityProfile] {
	return Resource[SecurityProfile]{c: c, path: securityProfilePath}
}

func (c *Client) TransportZone() Resource[TransportZone] {
	return Resource[TransportZone]{c: c, path: transportZonePath}
}

func (r Resource[T]) item(uuid string) string {
	return r.path + "/" + url.PathEscape(uuid)
}

func (r Resource[T]) Create(ctx context.Context, obj *T) (*T, error) {
	var out T
	if err := r.c.do(ctx, http.MethodPost, r.path, nil, obj, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r Resource[T]) Read(ctx context.Context, uuid string) (*T, error) {
	var out T
	if err := r.c.do(ctx, http.MethodGet, r.item(uuid), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update replaces the object. Fields left at their zero value are sent as
// such, so callers read-modify-write.
func (r Resource[T]) Update(ctx context.Context, uuid string, obj *T) (*T, error) {
	var out T
	if err := r.c.do(ctx, http.MethodPut, r.item(uuid), nil, obj, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r Resource[T]) Delete(ctx context.Context, uuid string) error {
	return r.c.do(ctx, http.MethodDelete, r.item(uuid), nil, nil, nil)
}

// Query starts a filtered list request.
func (r Resource[T]) Query() *Query[T] {
	return &Query[T]{r: r, params: url.Values{"fields": {"*"}}}
}

// Query accumulates filters; Results sends it.
type Query[T any] struct {
	r      Resource[T]
	params url.Values
}

// Tag filters on one scope/tag pair. Pairs accumulate.
func (q *Query[T]) Tag(scope, tag string) *Query[T] {
	q.params.Add("tag_scope", scope)
	q.params.Add("tag", tag)
	return q
}

// Relations expands a related object into _relations.
func (q *Query[T]) Relations(rel string) *Query[T] {
	q.params.Add("relations", rel)
	return q
}

func (q *Query[T]) UUID(uuid string) *Query[T] {
	q.params.Set("uuid", uuid)
	return q
}

// SecurityProfileUUID keeps ports carrying the profile.
func (q *Query[T]) SecurityProfileUUID(uuid string) *Query[T] {
	q.params.Set("security_profile_uuid", uuid)
	return q
}

func (q *Query[T]) Results(ctx context.Context) (*QueryResult[T], error) {
	var out QueryResult[T]
	if err := q.r.c.do(ctx, http.MethodGet, q.r.path, q.params, nil, &out); err != nil {
		return nil, err
	}
	if out.Results == nil {
		out.Results = []T{}
	}
	return &out, nil
}

// Single returns the only result. Zero matches is NotFound, several is an
// Ambiguous invariant violation.
func Single[T any](res *QueryResult[T], what string) (*T, error) {
	switch {
	case res.ResultCount == 0 || len(res.Results) == 0:
		return nil, errdefs.NotFound("%s not found", what)
	case res.ResultCount > 1 || len(res.Results) > 1:
		return nil, errdefs.Ambiguous("%d results for %s, expected one", res.ResultCount, what)
	}
	return &res.Results[0], nil
}
