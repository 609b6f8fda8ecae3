package job

import (
	"sync/atomic"

	"github.com/jmylchreest/mp4proxy/internal/ffmpeg"
)

// Settings holds the runtime serving policy. Changes apply to jobs started
// and requests served afterwards.
type Settings struct {
	waitForComplete atomic.Bool
	preset          atomic.Pointer[ffmpeg.Preset]
}

// NewSettings creates settings with the given initial policy.
func NewSettings(waitForComplete bool, preset string) (*Settings, error) {
	s := &Settings{}
	s.waitForComplete.Store(waitForComplete)
	if err := s.SetPreset(preset); err != nil {
		return nil, err
	}
	return s, nil
}

// WaitForComplete reports whether fetch requests wait for the job to finish.
func (s *Settings) WaitForComplete() bool { return s.waitForComplete.Load() }

// SetWaitForComplete switches the serving policy.
func (s *Settings) SetWaitForComplete(v bool) { s.waitForComplete.Store(v) }

// Preset returns the active encoding preset.
func (s *Settings) Preset() ffmpeg.Preset { return *s.preset.Load() }

// SetPreset selects a preset by name. Unknown names return
// ffmpeg.ErrUnknownPreset and leave the current preset unchanged.
func (s *Settings) SetPreset(name string) error {
	p, err := ffmpeg.LookupPreset(name)
	if err != nil {
		return err
	}
	s.preset.Store(&p)
	return nil
}
