package deploy

// Phase is the coarse stage of a deployment.
type Phase int32

const (
	PhasePending Phase = iota
	PhaseScanning
	PhaseUploading
	PhaseProcessing
	PhaseComplete
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseScanning:
		return "scanning"
	case PhaseUploading:
		return "uploading"
	case PhaseProcessing:
		return "processing"
	case PhaseComplete:
		return "complete"
	case PhaseFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Progress is a snapshot of a running deployment.
type Progress struct {
	Phase Phase

	// TotalFiles counts the files found, minus the empty ones once the scan
	// reaches them. NumFiles and NumBytes grow as files are scanned.
	TotalFiles    int64
	NumFiles      int64
	NumBytes      int64
	UploadedFiles int64
	UploadedBytes int64

	// Processed is the hub's post-upload progress in percent.
	Processed      int64
	ProcessingInfo string

	Session string
	Done    bool
	Stopped bool
	Error   string
}

// Progress returns a consistent enough snapshot for display. Counters are
// read individually, so a snapshot taken mid-run may mix two instants.
func (d *Deployment) Progress() Progress {
	d.mu.Lock()
	info, session, err := d.info, d.sessionID, d.err
	d.mu.Unlock()

	return Progress{
		Phase:          Phase(d.phase.Load()),
		TotalFiles:     d.totalFiles.Load(),
		NumFiles:       d.numFiles.Load(),
		NumBytes:       d.numBytes.Load(),
		UploadedFiles:  d.uploadedFiles.Load(),
		UploadedBytes:  d.uploadedBytes.Load(),
		Processed:      d.processed.Load(),
		ProcessingInfo: info,
		Session:        session,
		Done:           d.done.Load(),
		Stopped:        d.stopped.Load(),
		Error:          err,
	}
}

// SessionID returns the hub session id once the upload session has begun.
func (d *Deployment) SessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

func (d *Deployment) setPhase(p Phase) {
	d.phase.Store(int32(p))
}
