// gomuks-push - Encrypted push notification handling for gomuks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package pipeline

import (
	"fmt"
)

// Stage is a step of envelope processing.
type Stage string

const (
	StageReceived   Stage = "received"
	StageDecrypting Stage = "decrypting"
	StageDecoding   Stage = "decoding"
	StageProcessing Stage = "processing"
	StageDone       Stage = "done"
)

// PipelineError is returned by Handle when an envelope is dropped.
type PipelineError struct {
	Stage Stage
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("push envelope failed while %s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}
