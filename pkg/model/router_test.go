package model

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeClassifierModel struct {
	reply string
	err   error
}

func (f *fakeClassifierModel) Complete(_ context.Context, _ Request) (*Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &Response{Message: Message{Role: "assistant", Content: f.reply}}, nil
}

func (f *fakeClassifierModel) CompleteStream(_ context.Context, _ Request, _ StreamHandler) error {
	return errors.New("not implemented")
}

func TestRouterFallbackWinsWhenDegraded(t *testing.T) {
	r := NewRouter(
		FallbackStrategy{Model: "fallback-model"},
		OverrideStrategy{},
		DefaultStrategy{Model: "default-model"},
	)

	decision, err := r.Route(context.Background(), RouterState{
		Degraded:       true,
		RequestedModel: "user-model",
	})
	require.NoError(t, err)
	require.Equal(t, "fallback-model", decision.Model)
	require.Equal(t, RouteSourceFallback, decision.Source)
}

func TestRouterOverrideWinsOverClassifierAndDefault(t *testing.T) {
	classifier := &fakeClassifierModel{reply: `{"reasoning":"x","model_choice":"flash"}`}
	r := NewRouter(
		FallbackStrategy{Model: "fallback-model"},
		OverrideStrategy{},
		ClassifierStrategy{Classifier: classifier, FlashModel: "flash-model", ProModel: "pro-model"},
		DefaultStrategy{Model: "default-model"},
	)

	decision, err := r.Route(context.Background(), RouterState{
		RequestedModel:   "gpt-4o",
		RecentCleanTurns: []Turn{{Role: "user", Text: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, "gpt-4o", decision.Model)
	require.Equal(t, RouteSourceOverride, decision.Source)
}

func TestRouterOverrideSentinelAutoPassesThrough(t *testing.T) {
	r := NewRouter(
		OverrideStrategy{},
		DefaultStrategy{Model: "default-model"},
	)

	decision, err := r.Route(context.Background(), RouterState{RequestedModel: "auto"})
	require.NoError(t, err)
	require.Equal(t, "default-model", decision.Model)
	require.Equal(t, RouteSourceDefault, decision.Source)
}

func TestRouterClassifierPicksFlash(t *testing.T) {
	classifier := &fakeClassifierModel{reply: `{"reasoning":"simple lookup","model_choice":"flash"}`}
	r := NewRouter(
		OverrideStrategy{},
		ClassifierStrategy{Classifier: classifier, FlashModel: "flash-model", ProModel: "pro-model"},
		DefaultStrategy{Model: "default-model"},
	)

	decision, err := r.Route(context.Background(), RouterState{
		RecentCleanTurns: []Turn{{Role: "user", Text: "what time is it"}},
	})
	require.NoError(t, err)
	require.Equal(t, "flash-model", decision.Model)
	require.Equal(t, RouteSourceClassifier, decision.Source)
	require.Equal(t, "simple lookup", decision.Reasoning)
}

func TestRouterClassifierPicksPro(t *testing.T) {
	classifier := &fakeClassifierModel{reply: `{"reasoning":"needs multi-step planning","model_choice":"pro"}`}
	r := NewRouter(
		ClassifierStrategy{Classifier: classifier, FlashModel: "flash-model", ProModel: "pro-model"},
		DefaultStrategy{Model: "default-model"},
	)

	decision, err := r.Route(context.Background(), RouterState{
		RecentCleanTurns: []Turn{{Role: "user", Text: "refactor this module"}},
	})
	require.NoError(t, err)
	require.Equal(t, "pro-model", decision.Model)
}

func TestRouterClassifierPassesOnTransportFailure(t *testing.T) {
	classifier := &fakeClassifierModel{err: errors.New("connection reset")}
	r := NewRouter(
		ClassifierStrategy{Classifier: classifier, FlashModel: "flash-model", ProModel: "pro-model"},
		DefaultStrategy{Model: "default-model"},
	)

	decision, err := r.Route(context.Background(), RouterState{
		RecentCleanTurns: []Turn{{Role: "user", Text: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, "default-model", decision.Model)
	require.Equal(t, RouteSourceDefault, decision.Source)
}

func TestRouterClassifierPassesOnMalformedJSON(t *testing.T) {
	classifier := &fakeClassifierModel{reply: "not json"}
	r := NewRouter(
		ClassifierStrategy{Classifier: classifier, FlashModel: "flash-model", ProModel: "pro-model"},
		DefaultStrategy{Model: "default-model"},
	)

	decision, err := r.Route(context.Background(), RouterState{
		RecentCleanTurns: []Turn{{Role: "user", Text: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, RouteSourceDefault, decision.Source)
}

func TestRouterClassifierSkippedWithNoRecentTurns(t *testing.T) {
	classifier := &fakeClassifierModel{reply: `{"reasoning":"x","model_choice":"flash"}`}
	r := NewRouter(
		ClassifierStrategy{Classifier: classifier, FlashModel: "flash-model", ProModel: "pro-model"},
		DefaultStrategy{Model: "default-model"},
	)

	decision, err := r.Route(context.Background(), RouterState{})
	require.NoError(t, err)
	require.Equal(t, RouteSourceDefault, decision.Source)
}

func TestRouterClassifierTruncatesToMaxTurns(t *testing.T) {
	classifier := &fakeClassifierModel{reply: `{"reasoning":"x","model_choice":"flash"}`}
	turns := []Turn{
		{Role: "user", Text: "1"}, {Role: "model", Text: "2"},
		{Role: "user", Text: "3"}, {Role: "model", Text: "4"},
		{Role: "user", Text: "5"}, {Role: "model", Text: "6"},
	}
	r := NewRouter(ClassifierStrategy{Classifier: classifier, FlashModel: "flash-model", ProModel: "pro-model", MaxTurns: 2})

	decision, err := r.Route(context.Background(), RouterState{RecentCleanTurns: turns})
	require.NoError(t, err)
	require.Equal(t, "flash-model", decision.Model)
}

func TestRouterDefaultIsTerminal(t *testing.T) {
	r := NewRouter(DefaultStrategy{Model: "default-model"})
	decision, err := r.Route(context.Background(), RouterState{})
	require.NoError(t, err)
	require.Equal(t, "default-model", decision.Model)
	require.Equal(t, RouteSourceDefault, decision.Source)
}

func TestRouterEmptyChainErrors(t *testing.T) {
	r := NewRouter()
	_, err := r.Route(context.Background(), RouterState{})
	require.Error(t, err)
}
