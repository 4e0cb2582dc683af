package hubdeploy

import (
	"github.com/bianoble/hubdeploy/internal/config"
	"github.com/bianoble/hubdeploy/internal/deploy"
	"github.com/bianoble/hubdeploy/internal/record"
)

// Type aliases re-export the engine types as the public API.
// Users import "github.com/bianoble/hubdeploy/pkg/hubdeploy" and use
// hubdeploy.Deployment, hubdeploy.Progress, etc.

type Config = config.Config
type Deployment = deploy.Deployment
type Progress = deploy.Progress
type Phase = deploy.Phase
type Record = record.Record
type RecordEntry = record.Deployment

const (
	PhasePending    = deploy.PhasePending
	PhaseScanning   = deploy.PhaseScanning
	PhaseUploading  = deploy.PhaseUploading
	PhaseProcessing = deploy.PhaseProcessing
	PhaseComplete   = deploy.PhaseComplete
	PhaseFailed     = deploy.PhaseFailed
)

// CanceledMsg is the error of a canceled deployment.
const CanceledMsg = deploy.CanceledMsg
