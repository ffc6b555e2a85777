package service

import "errors"

var (
	// ErrRunInProgress is returned when the exclusive sync lease is held by another run.
	ErrRunInProgress = errors.New("a sync run is already in progress")
	// ErrUnknownSyncType is returned for run modes other than initial, daily and full.
	ErrUnknownSyncType = errors.New("unknown sync type")
	// ErrUnknownStage is returned for stage names outside the pipeline.
	ErrUnknownStage = errors.New("unknown stage")
	// ErrStageNotChunkable is returned when a chunk is requested for a stage without a cursor.
	ErrStageNotChunkable = errors.New("stage does not support chunked execution")
	// ErrUnknownStatusType is returned for status kinds other than current, latest, history and stats.
	ErrUnknownStatusType = errors.New("unknown status type")
)
