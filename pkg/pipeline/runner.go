// Package pipeline runs the lung segmentation or the preprocessing over a
// batch of subjects.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"lungseg/internal/models"
	"lungseg/pkg/config"
	"lungseg/pkg/normalize"
	"lungseg/pkg/preprocess"
	"lungseg/pkg/rawio"
	"lungseg/pkg/segmentation"
)

// Mode selects what the runner does with each volume.
type Mode int

const (
	// Segment writes the trachea-free lung mask
	Segment Mode = iota

	// Preprocess writes the body-normalized, denoised and contrast-enhanced
	// volume
	Preprocess
)

func (m Mode) String() string {
	switch m {
	case Segment:
		return "segment"
	case Preprocess:
		return "preprocess"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts the names returned by Mode.String.
func ParseMode(name string) (Mode, error) {
	switch name {
	case "segment":
		return Segment, nil
	case "preprocess":
		return Preprocess, nil
	default:
		return 0, errors.Errorf("unknown mode %q", name)
	}
}

// Phase patterns of the breath-hold CT pairs.
var defaultPatterns = []string{"*eBHCT.img", "*iBHCT.img"}

// Job is one volume to segment.
type Job struct {
	// Subject is the name used to look up per-subject overrides
	Subject string

	// Input is the raw int16 volume
	Input string
}

// Result reports the outcome of one job. A failed job carries Err and the
// batch moves on.
type Result struct {
	Job
	Output string

	// Voxels counts the lung voxels when segmenting and the body voxels
	// when preprocessing
	Voxels int

	// Fraction is Voxels over the volume size
	Fraction float64
	Duration time.Duration
	Err      error
}

// Summary aggregates a batch.
type Summary struct {
	Succeeded    int
	Failed       int
	MeanFraction float64
	StdFraction  float64
}

// Runner processes jobs with the settings of a Config.
type Runner struct {
	cfg *config.Config
	log logrus.FieldLogger

	// Mode defaults to Segment
	Mode Mode

	// OutputDir receives the outputs; empty writes next to each input
	OutputDir string

	// Geometry is the fallback raw geometry per subject, usually from
	// rawio.FindGeometry
	Geometry map[string]rawio.Geometry
}

// NewRunner creates a runner. A nil logger uses the logrus standard logger.
func NewRunner(cfg *config.Config, log logrus.FieldLogger) *Runner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{cfg: cfg, log: log}
}

// Discover finds the exhale and inhale volumes below root, one directory
// per subject, sorted by path. Exhale volumes come first.
func Discover(root string) ([]Job, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, errors.Wrapf(err, "dataset path %s", root)
	}

	var jobs []Job
	for _, pattern := range defaultPatterns {
		matches, err := filepath.Glob(filepath.Join(root, "*", pattern))
		if err != nil {
			return nil, errors.Wrapf(err, "glob %s", pattern)
		}
		sort.Strings(matches)
		for _, m := range matches {
			jobs = append(jobs, Job{
				Subject: filepath.Base(filepath.Dir(m)),
				Input:   m,
			})
		}
	}
	return jobs, nil
}

// Run processes jobs in order. Failures are recorded per job and never stop
// the batch.
func (r *Runner) Run(jobs []Job) ([]Result, Summary) {
	results := make([]Result, 0, len(jobs))
	for i, job := range jobs {
		r.log.WithFields(logrus.Fields{
			"subject":  job.Subject,
			"input":    job.Input,
			"progress": len(results) + 1,
			"total":    len(jobs),
			"mode":     r.Mode.String(),
		}).Info("processing volume")

		var res Result
		switch r.Mode {
		case Preprocess:
			res = r.preprocessOne(job)
		default:
			res = r.segmentOne(job)
		}
		if res.Err != nil {
			r.log.WithFields(logrus.Fields{
				"subject": job.Subject,
				"index":   i,
			}).WithError(res.Err).Error("volume failed")
		} else {
			r.log.WithFields(logrus.Fields{
				"subject":  job.Subject,
				"output":   res.Output,
				"voxels":   res.Voxels,
				"fraction": res.Fraction,
				"duration": res.Duration.Round(time.Millisecond),
			}).Info("volume written")
		}
		results = append(results, res)
	}
	return results, Summarize(results)
}

// load resolves the subject's parameters and reads its volume.
func (r *Runner) load(job Job) (config.SubjectParams, models.Volume, error) {
	params := r.cfg.ForSubjectWithGeometry(job.Subject, r.Geometry[job.Subject])
	if len(params.Shape) == 0 {
		return params, models.Volume{}, errors.Errorf("subject %s has no imageDim in the configuration or the dataset description", job.Subject)
	}

	vol, err := rawio.ReadVolume(job.Input, params.Shape, params.Metadata)
	if err != nil {
		return params, models.Volume{}, errors.Wrapf(err, "read %s", job.Input)
	}
	return params, vol, nil
}

func (r *Runner) segmentOne(job Job) Result {
	start := time.Now()
	res := Result{Job: job}

	params, vol, err := r.load(job)
	if err != nil {
		res.Err = err
		return res
	}

	r.log.WithFields(logrus.Fields{
		"subject":    job.Subject,
		"shape":      []int(vol.Shape),
		"spacing":    vol.Metadata.Spacing,
		"threshold":  params.Lung.Threshold,
		"fill_holes": params.Lung.FillHolesBeforeTracheaRemoval,
		"structure":  []int(params.Lung.Structure),
	}).Debug("volume loaded")

	seg, err := segmentation.SegmentLungsAndRemoveTrachea(vol, params.Lung)
	if err != nil {
		res.Err = errors.Wrapf(err, "segment %s", job.Subject)
		return res
	}

	res.Output = r.outputPath(job.Input, r.cfg.Output.Suffix)
	if err := rawio.WriteMask(res.Output, seg.Final); err != nil {
		res.Err = errors.Wrapf(err, "write %s", res.Output)
		return res
	}

	if r.cfg.Output.SaveIntermediate {
		intermediate := map[string]models.Mask{
			"_initial": seg.InitialMask,
			"_largest": seg.LargestMasks,
		}
		for suffix, mask := range intermediate {
			path := r.outputPath(job.Input, suffix)
			if err := rawio.WriteMask(path, mask); err != nil {
				r.log.WithError(err).WithField("path", path).Warn("failed to save intermediate mask")
			}
		}
	}

	res.Voxels = seg.Final.Count()
	res.Fraction = float64(res.Voxels) / float64(len(seg.Final.Data))
	res.Duration = time.Since(start)
	return res
}

// preprocessOne removes the gantry and background with SegmentBody,
// min-max normalizes over the body, stores the result as int16, then runs
// the per-slice bilateral filter and CLAHE.
func (r *Runner) preprocessOne(job Job) Result {
	start := time.Now()
	res := Result{Job: job}
	pp := r.cfg.Preprocess

	params, vol, err := r.load(job)
	if err != nil {
		res.Err = err
		return res
	}

	body, err := segmentation.SegmentBody(vol, params.Lung.Threshold)
	if err != nil {
		res.Err = errors.Wrapf(err, "segment body of %s", job.Subject)
		return res
	}
	bodyMask := body.LargestMask.Not()

	normalized, err := normalize.MinMax(vol, &bodyMask, pp.MaxValue)
	if err != nil {
		res.Err = errors.Wrapf(err, "normalize %s", job.Subject)
		return res
	}

	filtered, err := preprocess.Bilateral(normalize.Quantize(normalized), preprocess.BilateralParams{
		DomainSigma: pp.DomainSigma,
		RangeSigma:  pp.RangeSigma,
		Workers:     params.Lung.Workers,
	})
	if err != nil {
		res.Err = errors.Wrapf(err, "denoise %s", job.Subject)
		return res
	}

	enhanced, err := preprocess.CLAHE(filtered, preprocess.CLAHEParams{
		ClipLimit: pp.ClipLimit,
		Kernel:    preprocess.DefaultKernel(filtered.Shape),
	})
	if err != nil {
		res.Err = errors.Wrapf(err, "enhance %s", job.Subject)
		return res
	}

	res.Output = r.outputPath(job.Input, pp.Suffix)
	if err := rawio.WriteVolume(res.Output, enhanced); err != nil {
		res.Err = errors.Wrapf(err, "write %s", res.Output)
		return res
	}

	res.Voxels = bodyMask.Count()
	res.Fraction = float64(res.Voxels) / float64(len(bodyMask.Data))
	res.Duration = time.Since(start)
	return res
}

// outputPath turns dir/copd1/copd1_eBHCT.img into
// <out>/copd1/copd1_eBHCT<suffix>.img.
func (r *Runner) outputPath(input, suffix string) string {
	ext := filepath.Ext(input)
	name := strings.TrimSuffix(filepath.Base(input), ext) + suffix + ext
	if r.OutputDir == "" {
		return filepath.Join(filepath.Dir(input), name)
	}
	subject := filepath.Base(filepath.Dir(input))
	return filepath.Join(r.OutputDir, subject, name)
}

// Summarize counts successes and failures and the spread of the voxel
// fraction over the successful jobs.
func Summarize(results []Result) Summary {
	var s Summary
	var fractions []float64
	for _, res := range results {
		if res.Err != nil {
			s.Failed++
			continue
		}
		s.Succeeded++
		fractions = append(fractions, res.Fraction)
	}
	switch len(fractions) {
	case 0:
	case 1:
		s.MeanFraction = fractions[0]
	default:
		s.MeanFraction, s.StdFraction = stat.MeanStdDev(fractions, nil)
	}
	return s
}
