// Package stub is a deterministic stand-in for the YOLO inference service,
// used for local development and contract tests of the gateway client.
package stub

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/yungbote/inferbridge-backend/internal/domain/jobs"
)

var classNames = []string{"person", "bicycle", "car", "motorcycle", "bus", "truck", "dog", "cat"}

type Options struct {
	// Latency is added before every prediction.
	Latency time.Duration
	// FailEvery makes every Nth job (by hash) fail with a 500. Zero disables.
	FailEvery int
	// Files is how many result entries a prediction returns.
	Files int
}

type Request struct {
	DatasetID    int64  `json:"dataset_id"`
	JobID        string `json:"job_id"`
	ModelID      string `json:"model_id"`
	ModelVersion string `json:"model_version"`
}

// ErrInjectedFailure is returned for jobs selected by FailEvery.
var ErrInjectedFailure = fmt.Errorf("injected inference failure")

type Engine struct {
	opts Options
}

func NewEngine(opts Options) *Engine {
	if opts.Files <= 0 {
		opts.Files = 2
	}
	return &Engine{opts: opts}
}

// seed is stable for a given dataset and job so retries see the same result.
type seed [32]byte

func newSeed(req Request) seed {
	return sha256.Sum256([]byte(fmt.Sprintf("%d\n%s\n%s\n%s", req.DatasetID, req.JobID, req.ModelID, req.ModelVersion)))
}

func (s seed) u32(i int) uint32 {
	return binary.LittleEndian.Uint32(s[(i*4)%(len(s)-3):])
}

func (s seed) unit(i int) float64 {
	return float64(s.u32(i)%10_000) / 10_000.0
}

func (e *Engine) Predict(ctx context.Context, req Request) (*jobs.Result, error) {
	if e.opts.Latency > 0 {
		t := time.NewTimer(e.opts.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	s := newSeed(req)
	if e.opts.FailEvery > 0 && int(s.u32(7)%uint32(e.opts.FailEvery)) == 0 {
		return nil, ErrInjectedFailure
	}

	res := &jobs.Result{}
	co2 := 0.0001 + s.unit(0)/1000
	energy := 0.001 + s.unit(1)/100
	elapsed := 0.5 + s.unit(2)*5
	datasetID := req.DatasetID
	res.InferenceInformation = jobs.InferenceInformation{
		CO2EmissionsKg:    &co2,
		ConsumedEnergyKWh: &energy,
		DatasetID:         &datasetID,
		InferenceTimeS:    &elapsed,
	}
	for i := 0; i < e.opts.Files; i++ {
		if i%2 == 0 {
			res.InferenceResults = append(res.InferenceResults, jobs.ResultEntry{
				Filename: fmt.Sprintf("image_%03d.jpg", i),
				Type:     "image",
				Objects:  objects(s, i, 1+int(s.u32(i)%3)),
			})
			continue
		}
		var frames []jobs.Frame
		for f := 0; f < 3; f++ {
			n := f * 10
			at := float64(n) / 30
			frames = append(frames, jobs.Frame{FrameNumber: &n, Time: &at, Objects: objects(s, i+f, 1)})
		}
		res.InferenceResults = append(res.InferenceResults, jobs.ResultEntry{
			Filename: fmt.Sprintf("video_%03d.mp4", i),
			Type:     "video",
			Frames:   frames,
		})
	}
	return res, nil
}

func objects(s seed, offset, n int) []jobs.Object {
	out := make([]jobs.Object, 0, n)
	for k := 0; k < n; k++ {
		i := offset + k
		class := int(s.u32(i) % uint32(len(classNames)))
		conf := 0.5 + s.unit(i+1)/2
		x1, y1 := s.unit(i+2)*400, s.unit(i+3)*300
		x2, y2 := x1+40+s.unit(i+4)*200, y1+40+s.unit(i+5)*150
		out = append(out, jobs.Object{
			Box:        jobs.Box{X1: &x1, Y1: &y1, X2: &x2, Y2: &y2},
			Class:      &class,
			Confidence: &conf,
			Name:       classNames[class],
		})
	}
	return out
}
