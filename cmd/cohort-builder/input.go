package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-medindex/internal/extract"
	"github.com/drfirst/go-medindex/internal/fhir/r5"
)

// datasetLoader reads a stored dataset. *postgres.ExtractStore implements it.
type datasetLoader interface {
	Load(ctx context.Context, dataset string) (extract.Set, error)
}

// sourceOptions selects where a build's extracts come from.
type sourceOptions struct {
	input    string
	dataset  string
	external string
	fhir     string

	store datasetLoader
}

// load reads the extracts and applies the --external and --fhir overlays.
func (o *sourceOptions) load(ctx context.Context, logger *zap.Logger) (extract.Set, error) {
	var set extract.Set
	var err error
	switch {
	case o.dataset != "":
		if o.store == nil {
			return nil, fmt.Errorf("no extract store for dataset %q", o.dataset)
		}
		set, err = o.store.Load(ctx, o.dataset)
	case o.input != "":
		set, err = extract.LoadDir(o.input)
	default:
		return nil, fmt.Errorf("an --input directory or --dataset is required")
	}
	if err != nil {
		return nil, err
	}

	if o.external != "" {
		t, err := extract.ReadCSVFile(extract.ExternalIndex, o.external)
		if err != nil {
			return nil, err
		}
		set[extract.ExternalIndex] = t
	}

	if o.fhir != "" {
		reqs, err := r5.ReadBundleFile(o.fhir)
		if err != nil {
			return nil, err
		}
		emr := r5.ToPrescriptionRows(reqs)
		logger.Info("fhir medication requests merged",
			zap.String("file", o.fhir),
			zap.Int("requests", len(reqs)),
			zap.Int("rows", emr.Len()),
			zap.Int("skipped", len(emr.Warnings)))
		merged := extract.Concat(set.Get(extract.Prescriptions), emr)
		merged.Name = extract.Prescriptions
		set[extract.Prescriptions] = merged
	}

	for name, t := range set {
		for _, w := range t.Warnings {
			logger.Debug("extract warning", zap.String("table", name), zap.Int("row", w.Row), zap.String("message", w.Message))
		}
	}
	return set, nil
}
