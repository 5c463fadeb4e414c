// discovery_test.go
package orca_hand

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
)

func TestFilterCandidatePorts(t *testing.T) {
	tests := []struct {
		name     string
		ports    []string
		expected []string
	}{
		{
			name:     "Linux USB ports",
			ports:    []string{"/dev/ttyUSB0", "/dev/ttyS0", "/dev/ttyACM0", "/dev/null"},
			expected: []string{"/dev/ttyUSB0", "/dev/ttyACM0"},
		},
		{
			name:     "macOS USB ports",
			ports:    []string{"/dev/tty.usbmodem123", "/dev/tty.Bluetooth", "/dev/tty.usbserial-AB"},
			expected: []string{"/dev/tty.usbmodem123", "/dev/tty.usbserial-AB"},
		},
		{
			name:     "Windows COM ports",
			ports:    []string{"COM3", "COM10", "LPT1", "PRN"},
			expected: []string{"COM3", "COM10"},
		},
		{
			name:     "Empty list",
			ports:    []string{},
			expected: []string{},
		},
		{
			name:     "No matching ports",
			ports:    []string{"/dev/null", "/dev/zero"},
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := filterCandidatePorts(tt.ports)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestExtractPortSuffix(t *testing.T) {
	assert.Equal(t, "ttyUSB0", extractPortSuffix("/dev/ttyUSB0"))
	assert.Equal(t, "usbmodem123", extractPortSuffix("/dev/tty.usbmodem123"))
	assert.Equal(t, "usbserial-AB", extractPortSuffix("/dev/cu.usbserial-AB"))
	assert.Equal(t, "COM3", extractPortSuffix("COM3"))
}

func TestFindCalibrationFile(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()

	assert.Equal(t, "", findCalibrationFile(dir, "ttyUSB0", logger))

	require.NoError(t, os.WriteFile(filepath.Join(dir, defaultCalibrationFile), []byte("{}"), 0o644))
	assert.Equal(t, defaultCalibrationFile, findCalibrationFile(dir, "ttyUSB0", logger))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ttyUSB0_calibration.json"), []byte("{}"), 0o644))
	assert.Equal(t, "ttyUSB0_calibration.json", findCalibrationFile(dir, "ttyUSB0", logger))
}

func TestOrcaDiscoveryConfigValidate(t *testing.T) {
	cfg := &OrcaDiscoveryConfig{ProbeIDs: []int{1, 17}}
	_, _, err := cfg.Validate("discovery")
	assert.NoError(t, err)

	cfg = &OrcaDiscoveryConfig{ProbeIDs: []int{0}}
	_, _, err = cfg.Validate("discovery")
	assert.Error(t, err)

	cfg = &OrcaDiscoveryConfig{Baudrate: -1}
	_, _, err = cfg.Validate("discovery")
	assert.Error(t, err)
}

func testDiscovery(t *testing.T, ports map[string]*fakeServoPort) (*orcaDiscovery, *int) {
	t.Helper()
	opens := 0
	dis := &orcaDiscovery{
		Named:    resource.NewName(discovery.API, "orca-discovery").AsNamed(),
		logger:   logging.NewTestLogger(t),
		baudrate: 3000000,
		probeIDs: []int{1, 2, 3},
		timeout:  10 * time.Millisecond,
		registry: NewPortRegistry(),
		opener: func(path string, baudrate int) (serialPort, error) {
			opens++
			port, ok := ports[path]
			if !ok {
				return nil, errors.New("no such device")
			}
			return port, nil
		},
		ports: func() []string {
			return []string{"/dev/ttyS0", "/dev/ttyUSB0", "/dev/ttyUSB1", "/dev/ttyACM0"}
		},
	}
	return dis, &opens
}

func TestDiscoverResources(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	t.Setenv("VIAM_MODULE_DATA", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ttyUSB0_calibration.json"), []byte("{}"), 0o644))

	dis, opens := testDiscovery(t, map[string]*fakeServoPort{
		"/dev/ttyUSB0": newFakeServoPort(1, 3),
		// a serial device with nothing answering
		"/dev/ttyACM0": newFakeServoPort(),
	})

	configs, err := dis.DiscoverResources(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, *opens)
	require.Len(t, configs, 1)

	conf := configs[0]
	assert.Equal(t, "orca-hand-ttyUSB0", conf.Name)
	assert.Equal(t, sensor.API, conf.API)
	assert.Equal(t, OrcaHandModel, conf.Model)
	assert.Equal(t, "/dev/ttyUSB0", conf.Attributes["port"])
	assert.Equal(t, TransportDynamixel, conf.Attributes["transport"])
	assert.Equal(t, "ttyUSB0_calibration.json", conf.Attributes["calibration_file"])

	joints, ok := conf.Attributes["joints"].([]any)
	require.True(t, ok)
	require.Len(t, joints, 2)
	assert.Equal(t, "joint_3", joints[1].(map[string]any)["id"])

	// the probe bus gives the port back
	assert.Equal(t, 0, dis.registry.Len())
}

func TestDiscoverResourcesSkipsHeldPorts(t *testing.T) {
	dis, opens := testDiscovery(t, map[string]*fakeServoPort{
		"/dev/ttyUSB0": newFakeServoPort(1),
	})
	release, err := dis.registry.Claim("/dev/ttyUSB0", "orca-hand")
	require.NoError(t, err)
	defer release()

	configs, err := dis.DiscoverResources(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, configs)
	// only the unclaimed candidates were opened
	assert.Equal(t, 2, *opens)
}

func TestDiscoverResourcesCancelled(t *testing.T) {
	dis, opens := testDiscovery(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := dis.DiscoverResources(ctx, nil)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, *opens)
}

func TestNewOrcaDiscoveryDefaults(t *testing.T) {
	conf := resource.Config{
		Name:                "orca-discovery",
		API:                 discovery.API,
		Model:               OrcaDiscoveryModel,
		ConvertedAttributes: &OrcaDiscoveryConfig{},
	}
	svc, err := newOrcaDiscovery(context.Background(), nil, conf, logging.NewTestLogger(t))
	require.NoError(t, err)

	dis := svc.(*orcaDiscovery)
	assert.Equal(t, 3000000, dis.baudrate)
	assert.Len(t, dis.probeIDs, 17)
	assert.Equal(t, 50*time.Millisecond, dis.timeout)
	assert.Same(t, defaultPortRegistry, dis.registry)
}
