// Package runner walks a Label Studio project page by page and attaches a
// model prediction to every task that does not have one yet.
package runner

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cejohnson/label-studio-yolov5/labelstudio"
	"github.com/cejohnson/label-studio-yolov5/logger"

	"github.com/schollz/progressbar/v3"
)

// TaskSource is the part of the Label Studio API the runner needs.
// *labelstudio.Client satisfies it.
type TaskSource interface {
	CountTasks(ctx context.Context, project int, view string) (int, error)
	ListTasks(ctx context.Context, q labelstudio.TaskQuery) (labelstudio.TasksPage, error)
	CreatePrediction(ctx context.Context, project, task int, p labelstudio.Prediction) error
}

// Predictor produces a prediction for a single task.
type Predictor interface {
	PredictTask(ctx context.Context, task labelstudio.Task) (labelstudio.Prediction, error)
}

type Options struct {
	Project  int
	View     string
	PageSize int
	Logger   *logger.Logger
	// Progress receives the progress bar; nil hides it.
	Progress io.Writer
}

// Summary counts what happened to the tasks the run saw.
type Summary struct {
	Seen      int
	Skipped   int
	Predicted int
	Posted    int
	Failed    int
}

func (s Summary) String() string {
	return fmt.Sprintf("seen=%d skipped=%d predicted=%d posted=%d failed=%d",
		s.Seen, s.Skipped, s.Predicted, s.Posted, s.Failed)
}

type Runner struct {
	source    TaskSource
	predictor Predictor
	opts      Options
	log       *logger.Logger
}

func New(source TaskSource, predictor Predictor, opts Options) *Runner {
	if opts.PageSize <= 0 {
		opts.PageSize = labelstudio.DefaultPageSize
	}
	if opts.Progress == nil {
		opts.Progress = io.Discard
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Runner{source: source, predictor: predictor, opts: opts, log: log}
}

// Run processes every task once. Tasks are remembered by id, so a page is
// re-read after its new tasks are handled and the page index only advances
// once a page holds nothing new. This stays correct when tasks that gain a
// prediction drop out of the view and the remaining ones shift forward.
//
// Model and upload failures are logged and counted; failing to fetch a page
// aborts the run.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	var summary Summary

	total, err := r.source.CountTasks(ctx, r.opts.Project, r.opts.View)
	if err != nil {
		r.log.Warning("Could not count tasks, progress total unknown: %v", err)
		total = -1
	}
	r.log.Info("Project %d view %q: %d task(s)", r.opts.Project, r.opts.View, total)

	bar := r.newProgressBar(total)
	defer bar.Finish()

	seen := make(map[int]struct{})
	page := 1
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		r.log.Debug("Fetching page %d (size %d)", page, r.opts.PageSize)
		tasks, err := r.source.ListTasks(ctx, labelstudio.TaskQuery{
			Project:  r.opts.Project,
			View:     r.opts.View,
			Page:     page,
			PageSize: r.opts.PageSize,
		})
		if err != nil {
			r.log.Error("Failed to fetch page %d: %v", page, err)
			return summary, fmt.Errorf("fetch page %d: %w", page, err)
		}
		if len(tasks.Tasks) == 0 {
			break
		}

		fresh := 0
		for _, task := range tasks.Tasks {
			if _, ok := seen[task.ID]; ok {
				continue
			}
			seen[task.ID] = struct{}{}
			fresh++

			if err := ctx.Err(); err != nil {
				return summary, err
			}
			r.processTask(ctx, task, &summary)

			if total > 0 && summary.Seen > total {
				total = summary.Seen
				bar.ChangeMax(total)
			}
			bar.Add(1)
		}

		if fresh == 0 {
			page++
		}
	}

	r.log.Info("Done: %s", summary)
	return summary, nil
}

func (r *Runner) processTask(ctx context.Context, task labelstudio.Task, summary *Summary) {
	summary.Seen++

	if task.TotalPredictions > 0 {
		r.log.Info("Task %d already has %d prediction(s), skipping", task.ID, task.TotalPredictions)
		summary.Skipped++
		return
	}

	start := time.Now()
	prediction, err := r.predictor.PredictTask(ctx, task)
	if err != nil {
		r.log.Error("Task %d: prediction failed: %v", task.ID, err)
		summary.Failed++
		return
	}
	summary.Predicted++
	r.log.Debug("Task %d: %d annotation(s) in %v", task.ID, len(prediction.Result), time.Since(start))

	if err := r.source.CreatePrediction(ctx, r.opts.Project, task.ID, prediction); err != nil {
		r.log.Error("Task %d: upload failed: %v", task.ID, err)
		summary.Failed++
		return
	}
	summary.Posted++
	r.log.Info("Task %d: posted %d annotation(s)", task.ID, len(prediction.Result))
}

func (r *Runner) newProgressBar(total int) *progressbar.ProgressBar {
	if total <= 0 {
		// spinner
		total = -1
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(r.opts.Progress),
		progressbar.OptionSetDescription("Predicting"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("task"),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(r.opts.Progress)
		}),
	)
}
