package verify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Question is one entry of the challenge bank. The correct answer is kept
// separate from the distractors; the shuffled option list is assembled per
// challenge.
type Question struct {
	Question         string   `yaml:"question"`
	CorrectAnswer    string   `yaml:"correct_answer"`
	IncorrectAnswers []string `yaml:"incorrect_answers"`
}

// DefaultBank returns the embedded question set, used when no bank file is
// configured. Questions are trivially easy on purpose: the gate filters
// bots, not people.
func DefaultBank() []Question {
	return []Question{
		{Question: "What does ice turn into when it melts?", CorrectAnswer: "Water", IncorrectAnswers: []string{"Stone", "Wood", "Fire"}},
		{Question: "How many eyes does a person usually have?", CorrectAnswer: "2", IncorrectAnswers: []string{"1", "3", "4"}},
		{Question: "Which of these is a fruit?", CorrectAnswer: "Banana", IncorrectAnswers: []string{"Cabbage", "Pork", "Rice"}},
		{Question: "What is 1 plus 2?", CorrectAnswer: "3", IncorrectAnswers: []string{"2", "4", "5"}},
		{Question: "What is 5 minus 2?", CorrectAnswer: "3", IncorrectAnswers: []string{"1", "2", "4"}},
		{Question: "What is 2 times 3?", CorrectAnswer: "6", IncorrectAnswers: []string{"4", "5", "7"}},
		{Question: "What is 10 plus 5?", CorrectAnswer: "15", IncorrectAnswers: []string{"10", "12", "20"}},
		{Question: "What is 8 minus 4?", CorrectAnswer: "4", IncorrectAnswers: []string{"2", "3", "5"}},
		{Question: "Which vehicle flies in the sky?", CorrectAnswer: "Airplane", IncorrectAnswers: []string{"Car", "Ship", "Bicycle"}},
		{Question: "Which day comes after Monday?", CorrectAnswer: "Tuesday", IncorrectAnswers: []string{"Sunday", "Friday", "Wednesday"}},
		{Question: "Where do fish usually live?", CorrectAnswer: "In water", IncorrectAnswers: []string{"In trees", "Underground", "In fire"}},
		{Question: "Which organ do we hear with?", CorrectAnswer: "Ears", IncorrectAnswers: []string{"Eyes", "Nose", "Mouth"}},
		{Question: "What color is a clear daytime sky?", CorrectAnswer: "Blue", IncorrectAnswers: []string{"Green", "Red", "Purple"}},
		{Question: "Where does the sun rise?", CorrectAnswer: "East", IncorrectAnswers: []string{"West", "South", "North"}},
		{Question: "What sound does a dog make?", CorrectAnswer: "Woof", IncorrectAnswers: []string{"Meow", "Baa", "Ribbit"}},
	}
}

// LoadBankFile reads a YAML question bank. Every entry must have a question,
// a correct answer and at least one distractor.
func LoadBankFile(path string) ([]Question, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read question bank: %w", err)
	}
	var bank []Question
	if err := yaml.Unmarshal(raw, &bank); err != nil {
		return nil, fmt.Errorf("parse question bank: %w", err)
	}
	if len(bank) == 0 {
		return nil, fmt.Errorf("question bank %s is empty", path)
	}
	for i, q := range bank {
		if q.Question == "" || q.CorrectAnswer == "" || len(q.IncorrectAnswers) == 0 {
			return nil, fmt.Errorf("question bank %s: entry %d is incomplete", path, i)
		}
	}
	return bank, nil
}
