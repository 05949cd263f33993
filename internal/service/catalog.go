package service

import "github.com/stemsi/exstem-live/internal/model"

// DefaultCatalog is the built-in set of tests served by the reference server.
func DefaultCatalog() []model.Exam {
	return []model.Exam{
		{
			ID:              1,
			Title:           "General Aptitude",
			DurationMinutes: 30,
			Questions: []model.BankQuestion{
				{ID: "apt-1", Prompt: "What is the capital of France?", Options: []string{"A. Paris", "B. Lyon", "C. Marseille", "D. Nice"}, CorrectOption: "A", Skill: "geography", Difficulty: "easy", TimeLimit: 60, Explanation: "Paris has been the capital since 987."},
				{ID: "apt-2", Prompt: "Which number completes the series 2, 4, 8, 16, ?", Options: []string{"A. 18", "B. 24", "C. 32", "D. 64"}, CorrectOption: "C", Skill: "numerical reasoning", Difficulty: "easy", TimeLimit: 60, Explanation: "Each term doubles."},
				{ID: "apt-3", Prompt: "A train travels 120 km in 1.5 hours. What is its average speed?", Options: []string{"A. 60 km/h", "B. 80 km/h", "C. 90 km/h", "D. 100 km/h"}, CorrectOption: "B", Skill: "numerical reasoning", Difficulty: "medium", TimeLimit: 90, Explanation: "120 / 1.5 = 80."},
				{ID: "apt-4", Prompt: "Which word is the odd one out?", Options: []string{"A. Apple", "B. Banana", "C. Carrot", "D. Cherry"}, CorrectOption: "C", Skill: "verbal reasoning", Difficulty: "easy", TimeLimit: 45, Explanation: "A carrot is a vegetable."},
				{ID: "apt-5", Prompt: "If all bloops are razzies and all razzies are lazzies, are all bloops lazzies?", Options: []string{"A. Yes", "B. No", "C. Cannot be determined"}, CorrectOption: "A", Skill: "logical reasoning", Difficulty: "medium", TimeLimit: 60, Explanation: "Set inclusion is transitive."},
				{ID: "apt-6", Prompt: "What is 15% of 240?", Options: []string{"A. 24", "B. 30", "C. 36", "D. 48"}, CorrectOption: "C", Skill: "numerical reasoning", Difficulty: "medium", TimeLimit: 60, Explanation: "0.15 × 240 = 36."},
				{ID: "apt-7", Prompt: "Which planet is closest to the sun?", Options: []string{"A. Venus", "B. Mercury", "C. Mars", "D. Earth"}, CorrectOption: "B", Skill: "science", Difficulty: "easy", TimeLimit: 45, Explanation: "Mercury orbits at about 0.39 AU."},
				{ID: "apt-8", Prompt: "Choose the synonym of 'meticulous'.", Options: []string{"A. Careless", "B. Hasty", "C. Thorough", "D. Vague"}, CorrectOption: "C", Skill: "verbal reasoning", Difficulty: "hard", TimeLimit: 60, Explanation: "Meticulous means showing great attention to detail."},
			},
		},
		{
			ID:              2,
			Title:           "Go Fundamentals",
			DurationMinutes: 20,
			Questions: []model.BankQuestion{
				{ID: "go-1", Prompt: "Which keyword starts a goroutine?", Options: []string{"A. async", "B. go", "C. spawn", "D. thread"}, CorrectOption: "B", Skill: "concurrency", Difficulty: "easy", TimeLimit: 45, Explanation: "The go statement starts a goroutine."},
				{ID: "go-2", Prompt: "What is the zero value of a map?", Options: []string{"A. An empty map", "B. nil", "C. It panics", "D. map[]{}"}, CorrectOption: "B", Skill: "types", Difficulty: "medium", TimeLimit: 60, Explanation: "An uninitialised map is nil."},
				{ID: "go-3", Prompt: "Which statement defers a call until the function returns?", Options: []string{"A. defer", "B. finally", "C. later", "D. ensure"}, CorrectOption: "A", Skill: "control flow", Difficulty: "easy", TimeLimit: 45},
				{ID: "go-4", Prompt: "What does a receive from a closed, empty channel return?", Options: []string{"A. It blocks", "B. It panics", "C. The zero value", "D. An error"}, CorrectOption: "C", Skill: "concurrency", Difficulty: "hard", TimeLimit: 90, Explanation: "Receives from a closed channel yield the zero value immediately."},
				{ID: "go-5", Prompt: "Which package provides Mutex?", Options: []string{"A. runtime", "B. atomic", "C. sync", "D. os"}, CorrectOption: "C", Skill: "concurrency", Difficulty: "easy", TimeLimit: 45},
				{ID: "go-6", Prompt: "How are exported identifiers marked?", Options: []string{"A. With the export keyword", "B. With an upper-case first letter", "C. With a pub prefix", "D. In a header file"}, CorrectOption: "B", Skill: "packages", Difficulty: "easy", TimeLimit: 45},
			},
		},
	}
}
