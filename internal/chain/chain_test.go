package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/reelflow/internal/domain"
)

type fakeKeyframer struct {
	calls []int
	fail  map[int]error
}

func (k *fakeKeyframer) Keyframe(_ context.Context, _ domain.FilmRequest, shot domain.Shot) (string, error) {
	k.calls = append(k.calls, shot.Number)
	if err := k.fail[shot.Number]; err != nil {
		return "", err
	}
	return fmt.Sprintf("key://%d", shot.Number), nil
}

type fakeRenderer struct {
	anchors map[int][]string
	fail    map[int]error
}

func (r *fakeRenderer) Render(_ context.Context, _ domain.FilmRequest, shot domain.Shot) (domain.Shot, error) {
	if r.anchors == nil {
		r.anchors = map[int][]string{}
	}
	r.anchors[shot.Number] = append(r.anchors[shot.Number], shot.AnchorRef)
	if err := r.fail[shot.Number]; err != nil {
		delete(r.fail, shot.Number)
		return shot, err
	}
	shot.OutputRef = fmt.Sprintf("clip://%d", shot.Number)
	shot.LastFrameRef = fmt.Sprintf("frame://%d", shot.Number)
	shot.CostUSD = 0.176
	return shot, nil
}

func film(discontinuities ...int) domain.FilmRequest {
	flag := map[int]bool{}
	for _, n := range discontinuities {
		flag[n] = true
	}
	shots := make([]domain.Shot, 4)
	for i := range shots {
		shots[i] = domain.Shot{Number: i + 1, Prompt: fmt.Sprintf("shot %d", i+1), Discontinuity: flag[i+1]}
	}
	return domain.FilmRequest{FilmID: "film-1", Shots: shots}
}

func TestPlanAnchors(t *testing.T) {
	shots := Plan(film(3).Shots)
	got := make([]domain.Anchor, len(shots))
	for i, s := range shots {
		got[i] = s.Anchor
		assert.Equal(t, domain.ShotPending, s.Status)
	}
	assert.Equal(t, []domain.Anchor{domain.AnchorFresh, domain.AnchorChained, domain.AnchorFresh, domain.AnchorChained}, got)
}

func TestRunChainsAcrossDiscontinuity(t *testing.T) {
	keys := &fakeKeyframer{}
	renderer := &fakeRenderer{}
	runner := &Runner{Keyframes: keys, Renderer: renderer}

	var persisted [][]domain.Shot
	shots, err := runner.Run(context.Background(), film(3), func(_ context.Context, s []domain.Shot) error {
		persisted = append(persisted, s)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 3}, keys.calls)
	assert.Equal(t, []string{"key://1"}, renderer.anchors[1])
	assert.Equal(t, []string{"frame://1"}, renderer.anchors[2])
	assert.Equal(t, []string{"key://3"}, renderer.anchors[3], "discontinuity starts from a fresh keyframe")
	assert.Equal(t, []string{"frame://3"}, renderer.anchors[4], "shot after the discontinuity chains from it")

	for _, s := range shots {
		assert.Equal(t, domain.ShotCompleted, s.Status)
	}
	assert.InDelta(t, 4*0.176, Cost(shots), 1e-9)
	assert.Len(t, persisted, 8, "each shot is persisted when it starts and when it finishes")
	assert.Equal(t, domain.ShotRunning, persisted[0][0].Status)
	assert.Equal(t, domain.ShotPending, persisted[0][1].Status)
}

func TestRunStopsAtFailedShotAndResumesLater(t *testing.T) {
	keys := &fakeKeyframer{}
	renderer := &fakeRenderer{fail: map[int]error{2: errors.New("provider timeout")}}
	runner := &Runner{Keyframes: keys, Renderer: renderer}

	f := film()
	shots, err := runner.Run(context.Background(), f, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shot 2: provider timeout")
	assert.Equal(t, domain.ShotCompleted, shots[0].Status)
	assert.Equal(t, domain.ShotFailed, shots[1].Status)
	assert.Equal(t, domain.ShotPending, shots[2].Status)

	f.Shots = shots
	shots, err = runner.Run(context.Background(), f, nil)
	require.NoError(t, err)
	assert.Len(t, renderer.anchors[1], 1, "completed shots are not re-rendered")
	assert.Equal(t, []string{"frame://1", "frame://1"}, renderer.anchors[2])
	assert.Equal(t, domain.ShotCompleted, shots[3].Status)
}

// flakyRenderer fails shot numbers a fixed number of times before it
// renders them.
type flakyRenderer struct {
	fakeRenderer
	failures map[int]int
	calls    map[int]int
}

func (r *flakyRenderer) Render(ctx context.Context, film domain.FilmRequest, shot domain.Shot) (domain.Shot, error) {
	if r.calls == nil {
		r.calls = map[int]int{}
	}
	r.calls[shot.Number]++
	if r.failures[shot.Number] > 0 {
		r.failures[shot.Number]--
		return shot, fmt.Errorf("provider: prediction %d failed", r.calls[shot.Number])
	}
	return r.fakeRenderer.Render(ctx, film, shot)
}

func TestRunRetriesWholeShot(t *testing.T) {
	renderer := &flakyRenderer{failures: map[int]int{2: 2}}
	runner := &Runner{Keyframes: &fakeKeyframer{}, Renderer: renderer, ShotAttempts: 3}

	shots, err := runner.Run(context.Background(), film(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, renderer.calls[2])
	assert.Equal(t, 1, renderer.calls[3])
	assert.Equal(t, domain.ShotCompleted, shots[1].Status)
	assert.Equal(t, "clip://2", shots[1].OutputRef)
	assert.InDelta(t, 4*0.176, Cost(shots), 1e-9)
}

func TestRunGivesUpAfterShotAttempts(t *testing.T) {
	renderer := &flakyRenderer{failures: map[int]int{1: 5}}
	runner := &Runner{Keyframes: &fakeKeyframer{}, Renderer: renderer, ShotAttempts: 3}

	shots, err := runner.Run(context.Background(), film(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shot 1: provider: prediction 3 failed")
	assert.Equal(t, 3, renderer.calls[1])
	assert.Zero(t, renderer.calls[2])
	assert.Equal(t, domain.ShotFailed, shots[0].Status)
}

func TestRunStopsRetryingWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	renderer := &cancellingRenderer{cancel: cancel}
	runner := &Runner{Keyframes: &fakeKeyframer{}, Renderer: renderer, ShotAttempts: 3}

	_, err := runner.Run(ctx, film(), nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, renderer.calls)
}

type cancellingRenderer struct {
	cancel context.CancelFunc
	calls  int
}

func (r *cancellingRenderer) Render(ctx context.Context, _ domain.FilmRequest, shot domain.Shot) (domain.Shot, error) {
	r.calls++
	r.cancel()
	return shot, ctx.Err()
}

func TestRetryShotUsesPersistedAnchor(t *testing.T) {
	keys := &fakeKeyframer{}
	renderer := &fakeRenderer{}
	runner := &Runner{Keyframes: keys, Renderer: renderer}

	f := film(3)
	shots, err := runner.Run(context.Background(), f, nil)
	require.NoError(t, err)
	f.Shots = shots

	shots, err = runner.RetryShot(context.Background(), f, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"frame://3", "frame://3"}, renderer.anchors[4])
	assert.Len(t, renderer.anchors[3], 1, "predecessor is not recomputed")
	assert.Equal(t, []int{1, 3}, keys.calls)

	shots[2].AnchorRef = ""
	f.Shots = shots
	_, err = runner.RetryShot(context.Background(), f, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 3}, keys.calls, "fresh shot gets a new keyframe")
	assert.Len(t, renderer.anchors[2], 1)
}

func TestRetryShotErrors(t *testing.T) {
	runner := &Runner{Keyframes: &fakeKeyframer{}, Renderer: &fakeRenderer{}}

	_, err := runner.RetryShot(context.Background(), film(), 9, nil)
	require.ErrorIs(t, err, ErrShotNotFound)

	_, err = runner.RetryShot(context.Background(), film(), 2, nil)
	require.ErrorIs(t, err, ErrBrokenChain)

	_, err = runner.Run(context.Background(), domain.FilmRequest{}, nil)
	require.ErrorIs(t, err, ErrNoShots)
}
