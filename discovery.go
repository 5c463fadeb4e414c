// discovery.go
package orca_hand

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
)

var OrcaDiscoveryModel = resource.NewModel("orcahand", "orca", "discovery")

const defaultCalibrationFile = "orca_calibration.json"

func init() {
	resource.RegisterService(
		discovery.API,
		OrcaDiscoveryModel,
		resource.Registration[discovery.Service, *OrcaDiscoveryConfig]{
			Constructor: newOrcaDiscovery,
		})
}

// OrcaDiscoveryConfig is the configuration for the discovery service
type OrcaDiscoveryConfig struct {
	Baudrate  int   `json:"baudrate,omitempty"`
	ProbeIDs  []int `json:"probe_ids,omitempty"`
	TimeoutMs int   `json:"timeout_ms,omitempty"`
}

// Validate ensures the config is valid
func (cfg *OrcaDiscoveryConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Baudrate < 0 {
		return nil, nil, fmt.Errorf("%s: baudrate must not be negative", path)
	}
	for _, id := range cfg.ProbeIDs {
		if id <= 0 || id > 252 {
			return nil, nil, fmt.Errorf("%s: probe id %d out of range", path, id)
		}
	}
	return nil, nil, nil
}

// orcaDiscovery implements the discovery service
type orcaDiscovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	logger logging.Logger

	baudrate int
	probeIDs []int
	timeout  time.Duration
	registry *PortRegistry
	opener   portOpener
	ports    func() []string
}

func newOrcaDiscovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	cfg, err := resource.NativeConfig[*OrcaDiscoveryConfig](conf)
	if err != nil {
		return nil, err
	}

	dis := &orcaDiscovery{
		Named:    conf.ResourceName().AsNamed(),
		logger:   logger,
		baudrate: cfg.Baudrate,
		probeIDs: cfg.ProbeIDs,
		timeout:  time.Duration(cfg.TimeoutMs) * time.Millisecond,
		registry: defaultPortRegistry,
		opener:   openSerialPort,
		ports:    enumerateSerialPorts,
	}
	if dis.baudrate == 0 {
		dis.baudrate = 3000000
	}
	if len(dis.probeIDs) == 0 {
		dis.probeIDs = []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17}
	}
	if dis.timeout <= 0 {
		dis.timeout = 50 * time.Millisecond
	}
	return dis, nil
}

// DiscoverResources scans serial ports for Dynamixel actuators and proposes hand configurations
func (dis *orcaDiscovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	dis.logger.Info("Starting ORCA hand discovery")

	allPorts := dis.ports()
	dis.logger.Debugf("Found %d total serial ports", len(allPorts))

	candidates := filterCandidatePorts(allPorts)
	dis.logger.Debugf("Filtered to %d candidate ports", len(candidates))

	var allConfigs []resource.Config
	for _, portPath := range candidates {
		select {
		case <-ctx.Done():
			dis.logger.Info("Discovery cancelled")
			return allConfigs, ctx.Err()
		default:
		}

		if owner, held := dis.registry.Owner(portPath); held {
			dis.logger.Debugf("Skipping %s, in use by %s", portPath, owner)
			continue
		}
		if conf, ok := dis.discoverPort(ctx, portPath); ok {
			allConfigs = append(allConfigs, conf)
		}
	}

	if len(allConfigs) == 0 {
		dis.logger.Info("No ORCA hands discovered")
	} else {
		dis.logger.Infof("Discovered %d hand configurations", len(allConfigs))
	}
	return allConfigs, nil
}

func (dis *orcaDiscovery) discoverPort(ctx context.Context, portPath string) (resource.Config, bool) {
	portSuffix := extractPortSuffix(portPath)
	dis.logger.Debugf("Checking port %s", portPath)

	found := dis.pingActuators(ctx, portPath)
	if len(found) == 0 {
		dis.logger.Debugf("No actuators detected on %s", portPath)
		return resource.Config{}, false
	}
	dis.logger.Infof("Discovered %d actuators on %s: %v", len(found), portPath, found)

	moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
	if moduleDataDir == "" {
		moduleDataDir = "/tmp"
	}
	calibrationFile := findCalibrationFile(moduleDataDir, portSuffix, dis.logger)

	return dis.generateConfig(portPath, portSuffix, found, calibrationFile), true
}

// pingActuators returns the probe ids that answered on portPath
func (dis *orcaDiscovery) pingActuators(ctx context.Context, portPath string) []int {
	bus := NewDynamixelBus(portPath, dis.baudrate, dis.timeout, dis.registry, dis.logger)
	bus.opener = dis.opener
	if err := bus.Open(ctx); err != nil {
		dis.logger.Debugf("Failed to open port %s: %v", portPath, err)
		return nil
	}
	defer bus.Close()

	return bus.Ping(ctx, dis.probeIDs).Succeeded
}

// generateConfig proposes an orca hand sensor with one joint per responding actuator
func (dis *orcaDiscovery) generateConfig(portPath, portSuffix string, actuators []int, calibrationFile string) resource.Config {
	joints := make([]any, 0, len(actuators))
	for _, id := range actuators {
		joints = append(joints, map[string]any{
			"id":          fmt.Sprintf("joint_%d", id),
			"actuators":   []any{map[string]any{"actuator_id": id}},
			"min_degrees": 0.0,
			"max_degrees": 90.0,
		})
	}

	attrs := map[string]any{
		"transport": TransportDynamixel,
		"port":      portPath,
		"baudrate":  dis.baudrate,
		"joints":    joints,
	}
	if calibrationFile != "" {
		attrs["calibration_file"] = calibrationFile
	} else {
		attrs["calibration_file"] = portSuffix + "_calibration.json"
	}

	return resource.Config{
		Name:       "orca-hand-" + portSuffix,
		API:        sensor.API,
		Model:      OrcaHandModel,
		Attributes: attrs,
	}
}

// filterCandidatePorts filters serial ports by platform-specific naming patterns
func filterCandidatePorts(ports []string) []string {
	candidates := []string{}
	for _, port := range ports {
		if isCandidatePort(port) {
			candidates = append(candidates, port)
		}
	}
	return candidates
}

// isCandidatePort checks if a port looks like a USB serial adapter
func isCandidatePort(port string) bool {
	// Linux: /dev/ttyUSB*, /dev/ttyACM*
	if strings.HasPrefix(port, "/dev/ttyUSB") || strings.HasPrefix(port, "/dev/ttyACM") {
		return true
	}
	// macOS: /dev/tty.usbmodem*, /dev/tty.usbserial*, /dev/cu.usbmodem*, /dev/cu.usbserial*
	if strings.HasPrefix(port, "/dev/tty.usbmodem") || strings.HasPrefix(port, "/dev/tty.usbserial") || strings.HasPrefix(port, "/dev/cu.usbmodem") || strings.HasPrefix(port, "/dev/cu.usbserial") {
		return true
	}
	// Windows: COM*
	if strings.HasPrefix(port, "COM") {
		return true
	}
	return false
}

// extractPortSuffix extracts a friendly suffix from port path for naming
// /dev/ttyUSB0 -> "ttyUSB0"
// COM3 -> "COM3"
// /dev/tty.usbmodem123 -> "usbmodem123"
func extractPortSuffix(portPath string) string {
	base := filepath.Base(portPath)

	if strings.HasPrefix(base, "tty.usb") {
		return strings.TrimPrefix(base, "tty.")
	}
	if strings.HasPrefix(base, "cu.usb") {
		return strings.TrimPrefix(base, "cu.")
	}
	return base
}

// findCalibrationFile searches moduleDataDir for a port-specific file, then the default one.
// Returns just the filename or empty string if not found
func findCalibrationFile(moduleDataDir, portSuffix string, logger logging.Logger) string {
	portSpecific := filepath.Join(moduleDataDir, portSuffix+"_calibration.json")
	if _, err := os.Stat(portSpecific); err == nil {
		logger.Debugf("Found port-specific calibration file: %s", filepath.Base(portSpecific))
		return filepath.Base(portSpecific)
	}

	defaultFile := filepath.Join(moduleDataDir, defaultCalibrationFile)
	if _, err := os.Stat(defaultFile); err == nil {
		logger.Debugf("Found default calibration file: %s", defaultCalibrationFile)
		return defaultCalibrationFile
	}

	logger.Debug("No calibration file found")
	return ""
}

// CandidatePorts lists the USB serial ports a hand could be attached to.
func CandidatePorts() []string {
	return filterCandidatePorts(enumerateSerialPorts())
}

// enumerateSerialPorts returns a list of all serial ports on the system
func enumerateSerialPorts() []string {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return []string{}
	}

	var portPaths []string
	for _, port := range ports {
		portPaths = append(portPaths, port.Name)
	}
	return portPaths
}
