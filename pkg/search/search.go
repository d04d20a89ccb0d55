// Package search assigns one quantization format per unit under a global
// effective-bits budget.
//
// Every (unit, candidate) pair is scored once through a ScoreFunc. The search
// starts from the lowest-loss candidate of every unit and then repeatedly
// applies the downgrade that costs the least loss per saved bit, until the
// parameter-weighted average effective bits fit the target.
package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/ptq/internal/logger"
	"github.com/samcharles93/ptq/pkg/quant"
)

// ErrUnsatisfiable is returned when no assignment meets the target bits.
var ErrUnsatisfiable = errors.New("search: effective bits target unsatisfiable")

// Candidate is one quantization choice for a unit. An empty Format keeps the
// unit unquantized.
type Candidate struct {
	Name   string
	Format quant.Format
	Blocks quant.BlockSizes
	// Axis lists the dimensions that keep their own scale. nil is
	// per-tensor unless Blocks is set.
	Axis []int
	// Bits is the effective bits per parameter, scale overhead included.
	Bits float64
}

// Unit is an independently quantizable part of a model, typically one
// weight tensor.
type Unit struct {
	Name       string
	Params     int
	Candidates []Candidate
}

// ScoreFunc returns the loss of running unit with cand. Lower is better. It
// is called concurrently for different pairs.
type ScoreFunc func(ctx context.Context, unit Unit, cand Candidate) (float64, error)

// Choice is the candidate selected for one unit.
type Choice struct {
	Unit      string
	Candidate Candidate
	Loss      float64
}

// Result is a complete assignment.
type Result struct {
	Choices   []Choice
	AvgBits   float64
	TotalLoss float64
	Steps     int
}

// Searcher runs the greedy search.
type Searcher struct {
	Score ScoreFunc
	// Workers bounds concurrent Score calls. Zero means GOMAXPROCS.
	Workers int
	Logger  logger.Logger
}

// Search picks one candidate per unit so that the parameter-weighted average
// of Candidate.Bits is at most targetBits.
func (s *Searcher) Search(ctx context.Context, units []Unit, targetBits float64) (*Result, error) {
	if err := validate(units, targetBits); err != nil {
		return nil, err
	}
	if s.Score == nil {
		return nil, &quant.ConfigurationError{Msg: "search: nil score func"}
	}
	log := s.Logger
	if log == nil {
		log = logger.Discard()
	}

	var total, floor float64
	for _, u := range units {
		total += float64(u.Params)
		floor += float64(u.Params) * minBits(u.Candidates)
	}
	if floor/total > targetBits {
		return nil, fmt.Errorf("%w: lowest achievable %.3f bits > target %.3f", ErrUnsatisfiable, floor/total, targetBits)
	}

	losses, err := s.scoreAll(ctx, units)
	if err != nil {
		return nil, err
	}

	pick := make([]int, len(units))
	var weighted float64
	for i, u := range units {
		pick[i] = bestLoss(u.Candidates, losses[i])
		weighted += float64(u.Params) * u.Candidates[pick[i]].Bits
	}

	steps := 0
	for weighted/total > targetBits {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ui, ci := -1, -1
		bestCost, bestSaved := math.Inf(1), 0.0
		for i, u := range units {
			cur := u.Candidates[pick[i]]
			for j, c := range u.Candidates {
				if c.Bits >= cur.Bits {
					continue
				}
				saved := (cur.Bits - c.Bits) * float64(u.Params)
				cost := (losses[i][j] - losses[i][pick[i]]) / saved
				if cost < bestCost || (cost == bestCost && saved > bestSaved) {
					ui, ci, bestCost, bestSaved = i, j, cost, saved
				}
			}
		}
		if ui < 0 {
			return nil, ErrUnsatisfiable
		}
		u := units[ui]
		log.Debug("downgrade", "unit", u.Name,
			"from", u.Candidates[pick[ui]].Name, "to", u.Candidates[ci].Name,
			"loss_per_bit", bestCost)
		weighted -= bestSaved
		pick[ui] = ci
		steps++
	}

	res := &Result{AvgBits: weighted / total, Steps: steps, Choices: make([]Choice, len(units))}
	for i, u := range units {
		res.Choices[i] = Choice{Unit: u.Name, Candidate: u.Candidates[pick[i]], Loss: losses[i][pick[i]]}
		res.TotalLoss += losses[i][pick[i]]
	}
	log.Info("search done", "units", len(units), "avg_bits", res.AvgBits, "target", targetBits, "steps", steps)
	return res, nil
}

func (s *Searcher) scoreAll(ctx context.Context, units []Unit) ([][]float64, error) {
	losses := make([][]float64, len(units))
	for i, u := range units {
		losses[i] = make([]float64, len(u.Candidates))
	}
	workers := s.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, u := range units {
		for j, c := range u.Candidates {
			g.Go(func() error {
				loss, err := s.Score(ctx, u, c)
				if err != nil {
					return fmt.Errorf("score %s/%s: %w", u.Name, c.Name, err)
				}
				if math.IsNaN(loss) {
					return fmt.Errorf("score %s/%s: loss is NaN", u.Name, c.Name)
				}
				losses[i][j] = loss
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return losses, nil
}

func validate(units []Unit, target float64) error {
	if len(units) == 0 {
		return &quant.ConfigurationError{Msg: "search: no units"}
	}
	if !(target > 0) {
		return &quant.ConfigurationError{Msg: fmt.Sprintf("search: target bits must be positive, got %g", target)}
	}
	seen := make(map[string]struct{}, len(units))
	for _, u := range units {
		if _, dup := seen[u.Name]; dup {
			return &quant.ConfigurationError{Msg: fmt.Sprintf("search: duplicate unit %q", u.Name)}
		}
		seen[u.Name] = struct{}{}
		if u.Params <= 0 {
			return &quant.ConfigurationError{Msg: fmt.Sprintf("search: unit %q has %d params", u.Name, u.Params)}
		}
		if len(u.Candidates) == 0 {
			return &quant.ConfigurationError{Msg: fmt.Sprintf("search: unit %q has no candidates", u.Name)}
		}
	}
	return nil
}

func minBits(cs []Candidate) float64 {
	return slices.MinFunc(cs, func(a, b Candidate) int {
		switch {
		case a.Bits < b.Bits:
			return -1
		case a.Bits > b.Bits:
			return 1
		}
		return 0
	}).Bits
}

// bestLoss returns the index of the lowest loss, preferring fewer bits on ties.
func bestLoss(cs []Candidate, losses []float64) int {
	best := 0
	for j := 1; j < len(cs); j++ {
		if losses[j] < losses[best] || (losses[j] == losses[best] && cs[j].Bits < cs[best].Bits) {
			best = j
		}
	}
	return best
}
