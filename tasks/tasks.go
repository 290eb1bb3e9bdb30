// Package tasks holds the registry of supported pipeline tasks, their aliases and defaults.
package tasks

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

type Task string

const (
	FeatureExtraction      Task = "feature-extraction"
	TextClassification     Task = "text-classification"
	TokenClassification    Task = "token-classification"
	QuestionAnswering      Task = "question-answering"
	ZeroShotClassification Task = "zero-shot-classification"
	FillMask               Task = "fill-mask"
	TextGeneration         Task = "text-generation"
	ImageClassification    Task = "image-classification"
)

// InputKind describes the shape of the raw inputs a task accepts.
type InputKind string

const (
	InputText     InputKind = "text"
	InputTextPair InputKind = "text-pair"
	InputImage    InputKind = "image"
)

var ErrUnsupportedTask = errors.New("unsupported task")

// Definition describes how a task is served.
type Definition struct {
	Task Task
	// DefaultModel is the hub model used when no model is given.
	DefaultModel string
	// ExportTask is the task name handed to the ONNX exporter.
	ExportTask string
	Input      InputKind
}

var registry = map[Task]Definition{
	FeatureExtraction: {
		Task:         FeatureExtraction,
		DefaultModel: "distilbert-base-cased",
		ExportTask:   "feature-extraction",
		Input:        InputText,
	},
	TextClassification: {
		Task:         TextClassification,
		DefaultModel: "distilbert-base-uncased-finetuned-sst-2-english",
		ExportTask:   "text-classification",
		Input:        InputText,
	},
	TokenClassification: {
		Task:         TokenClassification,
		DefaultModel: "dbmdz/bert-large-cased-finetuned-conll03-english",
		ExportTask:   "token-classification",
		Input:        InputText,
	},
	QuestionAnswering: {
		Task:         QuestionAnswering,
		DefaultModel: "distilbert-base-cased-distilled-squad",
		ExportTask:   "question-answering",
		Input:        InputTextPair,
	},
	ZeroShotClassification: {
		Task:         ZeroShotClassification,
		DefaultModel: "facebook/bart-large-mnli",
		ExportTask:   "text-classification",
		Input:        InputText,
	},
	FillMask: {
		Task:         FillMask,
		DefaultModel: "bert-base-cased",
		ExportTask:   "fill-mask",
		Input:        InputText,
	},
	TextGeneration: {
		Task:         TextGeneration,
		DefaultModel: "distilgpt2",
		ExportTask:   "text-generation",
		Input:        InputText,
	},
	ImageClassification: {
		Task:         ImageClassification,
		DefaultModel: "google/vit-base-patch16-224",
		ExportTask:   "image-classification",
		Input:        InputImage,
	},
}

var aliases = map[string]Task{
	"sentiment-analysis": TextClassification,
	"ner":                TokenClassification,
	"default":            FeatureExtraction,
}

// Normalize resolves aliases and validates tag against the supported set.
func Normalize(tag string) (Task, error) {
	key := strings.ToLower(strings.TrimSpace(tag))
	if task, ok := aliases[key]; ok {
		return task, nil
	}
	if _, ok := registry[Task(key)]; ok {
		return Task(key), nil
	}
	return "", fmt.Errorf("%w %q, supported tasks are %s", ErrUnsupportedTask, tag, strings.Join(SupportedTags(), ", "))
}

// Supported returns the supported tasks sorted by name.
func Supported() []Task {
	out := make([]Task, 0, len(registry))
	for task := range registry {
		out = append(out, task)
	}
	slices.Sort(out)
	return out
}

// SupportedTags returns the supported task names and aliases, sorted.
func SupportedTags() []string {
	out := make([]string, 0, len(registry)+len(aliases))
	for task := range registry {
		out = append(out, string(task))
	}
	for alias := range aliases {
		out = append(out, alias)
	}
	slices.Sort(out)
	return out
}

// Aliases returns the alias tags pointing at task.
func Aliases(task Task) []string {
	var out []string
	for alias, target := range aliases {
		if target == task {
			out = append(out, alias)
		}
	}
	slices.Sort(out)
	return out
}

func Lookup(task Task) (Definition, bool) {
	d, ok := registry[task]
	return d, ok
}

func IsSupported(tag string) bool {
	_, err := Normalize(tag)
	return err == nil
}
