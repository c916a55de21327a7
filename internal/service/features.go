package service

import (
	"github.com/mmeshcher/studymate/internal/generator"
	"github.com/mmeshcher/studymate/internal/model"
)

// Feature задаёт платную функцию приложения.
type Feature string

const (
	FeatureScan       Feature = "scan"
	FeatureQuiz       Feature = "quiz"
	FeatureFlashcards Feature = "flashcards"
	FeatureNote       Feature = "note"
	FeatureChat       Feature = "chat"
)

type featureSpec struct {
	function generator.Function
	kind     model.ItemKind
}

var features = map[Feature]featureSpec{
	FeatureScan:       {function: generator.FunctionScan, kind: model.ItemScanNote},
	FeatureQuiz:       {function: generator.FunctionQuiz, kind: model.ItemQuiz},
	FeatureFlashcards: {function: generator.FunctionFlashcards, kind: model.ItemFlashcards},
	FeatureNote:       {function: generator.FunctionNote, kind: model.ItemNote},
	FeatureChat:       {function: generator.FunctionChat, kind: model.ItemHistory},
}

// ParseFeature проверяет имя функции.
func ParseFeature(name string) (Feature, bool) {
	f := Feature(name)
	_, ok := features[f]
	return f, ok
}

// Costs задаёт стоимость функций в кредитах.
type Costs map[Feature]int64

// DefaultCosts возвращает стоимость функций по умолчанию.
func DefaultCosts() Costs {
	return Costs{
		FeatureScan:       1,
		FeatureQuiz:       2,
		FeatureFlashcards: 2,
		FeatureNote:       1,
		FeatureChat:       1,
	}
}

// For возвращает стоимость функции; не заданная или неположительная стоимость считается равной 1.
func (c Costs) For(f Feature) int64 {
	if v, ok := c[f]; ok && v > 0 {
		return v
	}
	return 1
}
