package orca_hand

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// CalibrationStore persists calibration records outside the control core.
type CalibrationStore interface {
	// Load returns every stored record keyed by joint id. A store with no data returns an empty map.
	Load(ctx context.Context) (map[string]CalibrationRecord, error)
	Save(ctx context.Context, record CalibrationRecord) error
}

// CalibrationFileFormat is the on-disk layout of a calibration file.
type CalibrationFileFormat struct {
	Joints map[string]CalibrationRecord `json:"joints"`
}

// FileCalibrationStore keeps records in a single JSON file.
type FileCalibrationStore struct {
	mu     sync.Mutex
	path   string
	logger logging.Logger
}

// ResolveDataPath makes relative paths relative to the module data directory.
func ResolveDataPath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
	if moduleDataDir == "" {
		moduleDataDir = "/tmp" // Fallback if VIAM_MODULE_DATA not set
	}
	return filepath.Join(moduleDataDir, path)
}

func NewFileCalibrationStore(path string, logger logging.Logger) *FileCalibrationStore {
	return &FileCalibrationStore{path: ResolveDataPath(path), logger: logger}
}

// Path returns the resolved file path.
func (s *FileCalibrationStore) Path() string {
	return s.path
}

func (s *FileCalibrationStore) Load(ctx context.Context) (map[string]CalibrationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *FileCalibrationStore) loadLocked() (map[string]CalibrationRecord, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.logger.Debugf("No calibration file at %s", s.path)
		return map[string]CalibrationRecord{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read calibration file")
	}

	var fileFormat CalibrationFileFormat
	if err := json.Unmarshal(data, &fileFormat); err != nil {
		return nil, errors.Wrap(err, "failed to parse calibration JSON")
	}
	if fileFormat.Joints == nil {
		fileFormat.Joints = map[string]CalibrationRecord{}
	}
	return fileFormat.Joints, nil
}

// Save merges one record into the file, replacing any previous record for the same joint.
func (s *FileCalibrationStore) Save(ctx context.Context, record CalibrationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// an unreadable file still holds other joints' records, leave it for the operator
	joints, err := s.loadLocked()
	if err != nil {
		return errors.Wrapf(err, "refusing to overwrite %s", s.path)
	}
	joints[record.Joint] = record

	data, err := json.MarshalIndent(CalibrationFileFormat{Joints: joints}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal calibration")
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create calibration directory")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write calibration file")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "failed to replace calibration file")
	}

	s.logger.Infof("Saved calibration for %s to %s", record.Joint, s.path)
	return nil
}
