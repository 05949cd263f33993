package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// ViolationRecordKey returns the hash holding an assessment's violation counters
func (r *CacheKeyStruct) ViolationRecordKey(assessmentID string) string {
	return fmt.Sprintf("assessment:%s:violations", assessmentID)
}

// ViolationEntriesKey returns the list holding an assessment's ordered violation entries
func (r *CacheKeyStruct) ViolationEntriesKey(assessmentID string) string {
	return fmt.Sprintf("assessment:%s:violation_entries", assessmentID)
}

// AttemptKey returns the hash describing a candidate's attempt at a test
func (r *CacheKeyStruct) AttemptKey(userID, testID int) string {
	return fmt.Sprintf("user:%d:test:%d:attempt", userID, testID)
}

// AttemptAnswersKey returns the hash of question_id → selected option for an attempt
func (r *CacheKeyStruct) AttemptAnswersKey(userID, testID int) string {
	return fmt.Sprintf("user:%d:test:%d:answers", userID, testID)
}

// ExamPayloadKey returns the cached candidate-facing payload of a test
func (r *CacheKeyStruct) ExamPayloadKey(testID int) string {
	return fmt.Sprintf("test:%d:payload", testID)
}

// AnswerKeyKey returns the hash of question_id → correct option for a test
func (r *CacheKeyStruct) AnswerKeyKey(testID int) string {
	return fmt.Sprintf("test:%d:key", testID)
}

// CheatLogKey returns the list of ingested violation events of an assessment
func (r *CacheKeyStruct) CheatLogKey(assessmentID string) string {
	return fmt.Sprintf("assessment:%s:cheats", assessmentID)
}

var CacheKey = NewCacheKeyStruct()

type WorkerKeyStruct struct {
	PersistCheatsQueue string
}

var WorkerKey = &WorkerKeyStruct{
	PersistCheatsQueue: "persist_cheats_queue",
}

// ViolationSubject identifies one candidate's violations on one test
func ViolationSubject(userID, testID int) string {
	return fmt.Sprintf("%d:%d", userID, testID)
}
