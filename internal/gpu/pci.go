package gpu

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const (
	pciDevicesPath     = "bus/pci/devices"
	displayClassPrefix = "0x03"
	nvidiaVendorID     = "10de"
)

// PCIDevice describes a display controller found in sysfs.
type PCIDevice struct {
	BusID    string `json:"bus_id"`
	VendorID string `json:"vendor_id"`
	DeviceID string `json:"device_id"`
	Vendor   string `json:"vendor"`
	Name     string `json:"name"`
	Driver   string `json:"driver"`
}

// NVIDIA reports whether the device is an NVIDIA controller.
func (d PCIDevice) NVIDIA() bool {
	return d.VendorID == nvidiaVendorID
}

// Discover enumerates PCI display controllers under the sysfs root and
// names them from the PCI ID database.
func Discover(root string, logger *slog.Logger) ([]PCIDevice, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	sysRoot, err := os.OpenRoot(root)
	if err != nil {
		return nil, fmt.Errorf("open sysfs root: %w", err)
	}
	defer sysRoot.Close()

	entries, err := fs.ReadDir(sysRoot.FS(), pciDevicesPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("pci devices path missing", "path", filepath.Join(root, pciDevicesPath))
			return nil, nil
		}
		return nil, fmt.Errorf("read pci devices dir: %w", err)
	}

	var devices []PCIDevice
	for _, entry := range entries {
		slot := entry.Name()
		if !entry.IsDir() && entry.Type()&os.ModeSymlink == 0 {
			continue
		}

		devRoot, err := sysRoot.OpenRoot(path.Join(pciDevicesPath, slot))
		if err != nil {
			logger.Debug("failed to open pci device", "slot", slot, "err", err)
			continue
		}
		dev, ok := loadPCIDevice(slot, devRoot)
		if err := devRoot.Close(); err != nil {
			logger.Debug("failed to close pci device root", "slot", slot, "err", err)
		}
		if ok {
			devices = append(devices, dev)
		}
	}

	return devices, nil
}

func loadPCIDevice(slot string, devRoot *os.Root) (PCIDevice, bool) {
	class, err := readTrim(devRoot, "class")
	if err != nil || !strings.HasPrefix(strings.ToLower(class), displayClassPrefix) {
		return PCIDevice{}, false
	}

	vendorID, _ := readTrim(devRoot, "vendor")
	deviceID, _ := readTrim(devRoot, "device")
	subVendor, _ := readTrim(devRoot, "subsystem_vendor")
	subDevice, _ := readTrim(devRoot, "subsystem_device")

	dev := PCIDevice{
		BusID:    NormalizeBusID(slot),
		VendorID: normalizePCIID(vendorID),
		DeviceID: normalizePCIID(deviceID),
	}
	dev.Vendor, dev.Name = lookupPCIName(dev.VendorID, dev.DeviceID, subVendor, subDevice)

	if target, err := devRoot.Readlink("driver"); err == nil {
		dev.Driver = path.Base(target)
	}

	return dev, true
}

// NormalizeBusID maps nvidia-smi and sysfs spellings of a PCI address to
// one form: lower case with a four digit domain.
func NormalizeBusID(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	domain, rest, ok := strings.Cut(value, ":")
	if !ok || !strings.Contains(rest, ":") {
		return value
	}
	if len(domain) > 4 {
		domain = domain[len(domain)-4:]
	}
	return domain + ":" + rest
}

func readTrim(root *os.Root, name string) (string, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
