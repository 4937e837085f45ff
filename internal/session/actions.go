package session

import (
	"context"

	"github.com/xkilldash9x/scalpel-driver/api/schemas"
	"github.com/xkilldash9x/scalpel-driver/internal/input"
)

func (s *Session) performActions(ctx context.Context, cmd schemas.Command) (any, error) {
	raw, err := cmd.Slice("actions")
	if err != nil {
		return nil, err
	}
	ticks, err := input.Parse(raw)
	if err != nil {
		return nil, err
	}
	binding, doc, b, err := s.binding()
	if err != nil {
		return nil, err
	}
	if err := s.input.Perform(ctx, s.surface(b, doc), binding, ticks); err != nil {
		return nil, err
	}
	b.waitRequired = true
	return nil, nil
}

func (s *Session) releaseActions(ctx context.Context, _ schemas.Command) (any, error) {
	doc, b, err := s.document()
	if err != nil {
		return nil, err
	}
	return nil, s.input.Release(ctx, s.surface(b, doc))
}
