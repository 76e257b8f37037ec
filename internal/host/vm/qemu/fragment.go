//go:build linux

package qemu

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// FragmentKind identifies one concern of the QEMU command line.
// An assembler holds at most one fragment per kind.
type FragmentKind string

const (
	KindCPU         FragmentKind = "cpu"
	KindAccel       FragmentKind = "accel"
	KindGraphic     FragmentKind = "graphic"
	KindUserConfig  FragmentKind = "config"
	KindMemory      FragmentKind = "memory"
	KindFirmware    FragmentKind = "ovmf"
	KindMachine     FragmentKind = "machine"
	KindBoot        FragmentKind = "boot"
	KindSerial      FragmentKind = "serial"
	KindPortForward FragmentKind = "portfwd"
	KindVsock       FragmentKind = "vsock"
	KindRunLog      FragmentKind = "runlog"
)

// Fragment renders the tokens of one command-line concern.
//
// The implementations are exactly the *XxxFragment types in this package;
// the unexported marker method keeps the set closed. Render is a pure
// function of the fragment's fields, except for FirmwareFragment which
// materializes a private variable store on first render.
type Fragment interface {
	Kind() FragmentKind
	Render() ([]string, error)
	fragment()
}

// AccelFragment selects the accelerator.
type AccelFragment struct {
	Type string
}

// NewAccel returns the KVM accelerator fragment.
func NewAccel() *AccelFragment { return &AccelFragment{Type: "kvm"} }

func (*AccelFragment) Kind() FragmentKind { return KindAccel }
func (*AccelFragment) fragment()          {}

func (f *AccelFragment) Render() ([]string, error) {
	if f.Type == "" {
		return nil, configErrorf(KindAccel, "accelerator type is empty")
	}
	return newQemuCommandBuilder().setAccel(f.Type).build(), nil
}

// CPUFragment sets the CPU model, feature flags and topology.
type CPUFragment struct {
	Model    string
	Features []string // e.g. "tsc-freq=1000000000", "-kvm-steal-time"
	Cores    int
	Sockets  int
}

// NewCPU returns a host-passthrough CPU with 16 cores on one socket.
func NewCPU() *CPUFragment {
	return &CPUFragment{Model: "host", Cores: 16, Sockets: 1}
}

func (*CPUFragment) Kind() FragmentKind { return KindCPU }
func (*CPUFragment) fragment()          {}

// AddFeatures appends CPU feature flags.
func (f *CPUFragment) AddFeatures(features ...string) {
	f.Features = append(f.Features, features...)
}

func (f *CPUFragment) Render() ([]string, error) {
	return newQemuCommandBuilder().
		setCPU(f.Model, f.Features...).
		setSMP(f.Cores, f.Sockets).
		build(), nil
}

// GraphicFragment controls the display.
type GraphicFragment struct {
	NoGraphic bool
}

// NewGraphic returns a fragment disabling graphical output.
func NewGraphic() *GraphicFragment { return &GraphicFragment{NoGraphic: true} }

func (*GraphicFragment) Kind() FragmentKind { return KindGraphic }
func (*GraphicFragment) fragment()          {}

func (f *GraphicFragment) Render() ([]string, error) {
	b := newQemuCommandBuilder()
	if f.NoGraphic {
		b.setNoGraphic()
	}
	return b.build(), nil
}

// UserConfigFragment controls default devices and user config files.
type UserConfigFragment struct {
	NoDefaults      bool
	AllowUserConfig bool
}

// NewUserConfig returns a fragment suppressing default devices and user config.
func NewUserConfig() *UserConfigFragment { return &UserConfigFragment{NoDefaults: true} }

func (*UserConfigFragment) Kind() FragmentKind { return KindUserConfig }
func (*UserConfigFragment) fragment()          {}

func (f *UserConfigFragment) Render() ([]string, error) {
	b := newQemuCommandBuilder()
	if f.NoDefaults {
		b.setNoDefaults()
	}
	if !f.AllowUserConfig {
		b.setNoUserConfig()
	}
	return b.build(), nil
}

// MemoryFragment sets guest RAM using QEMU size syntax.
type MemoryFragment struct {
	Size string
}

// NewMemory returns a memory fragment. An empty size means 2G.
func NewMemory(size string) *MemoryFragment {
	if size == "" {
		size = "2G"
	}
	return &MemoryFragment{Size: size}
}

func (*MemoryFragment) Kind() FragmentKind { return KindMemory }
func (*MemoryFragment) fragment()          {}

func (f *MemoryFragment) Render() ([]string, error) {
	if f.Size == "" {
		return nil, configErrorf(KindMemory, "size is empty")
	}
	return newQemuCommandBuilder().setMemory(f.Size).build(), nil
}

// QGSAddress locates the quote generation service on the host vsock.
type QGSAddress struct {
	CID  uint32
	Port uint32
}

// DefaultQGSAddress is the host CID and port the quote generation service listens on.
var DefaultQGSAddress = QGSAddress{CID: 2, Port: 4050}

// MachineFragment selects the machine type. For MachineQ35TDX it also
// emits the tdx-guest object backing confidential-guest-support.
type MachineFragment struct {
	Machine EfiMachine

	// QuoteGeneration, when set, renders the tdx-guest object as a JSON
	// descriptor carrying the quote-generation-socket address.
	QuoteGeneration *QGSAddress

	// Debug requests an off-TD debuggable guest.
	Debug bool

	// ObjectOverride replaces the rendered tdx-guest object verbatim.
	// Negative tests use it to hand QEMU malformed descriptors.
	ObjectOverride string
}

// NewMachine returns a machine fragment for the given machine type.
func NewMachine(machine EfiMachine) *MachineFragment {
	return &MachineFragment{Machine: machine}
}

func (*MachineFragment) Kind() FragmentKind { return KindMachine }
func (*MachineFragment) fragment()          {}

type qgsSocketAddress struct {
	Type string `json:"type"`
	CID  string `json:"cid"`
	Port string `json:"port"`
}

type tdxGuestObject struct {
	QomType               string            `json:"qom-type"`
	ID                    string            `json:"id"`
	QuoteGenerationSocket *qgsSocketAddress `json:"quote-generation-socket,omitempty"`
	Debug                 *bool             `json:"debug,omitempty"`
}

// TDXObject returns the -object value for the tdx-guest object.
func (f *MachineFragment) TDXObject() (string, error) {
	if f.ObjectOverride != "" {
		return f.ObjectOverride, nil
	}
	if f.QuoteGeneration == nil {
		if f.Debug {
			return "tdx-guest,id=tdx,debug=on", nil
		}
		return "tdx-guest,id=tdx", nil
	}

	obj := tdxGuestObject{
		QomType: "tdx-guest",
		ID:      "tdx",
		QuoteGenerationSocket: &qgsSocketAddress{
			Type: "vsock",
			CID:  strconv.FormatUint(uint64(f.QuoteGeneration.CID), 10),
			Port: strconv.FormatUint(uint64(f.QuoteGeneration.Port), 10),
		},
	}
	if f.Debug {
		debug := true
		obj.Debug = &debug
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("marshal tdx-guest object: %w", err)
	}
	return string(b), nil
}

func (f *MachineFragment) Render() ([]string, error) {
	b := newQemuCommandBuilder()
	switch f.Machine {
	case MachineQ35:
		b.setMachine("q35", "kernel_irqchip=split")
	case MachineQ35TDX:
		obj, err := f.TDXObject()
		if err != nil {
			return nil, err
		}
		b.addObject(obj).
			setMachine("q35", "kernel_irqchip=split", "confidential-guest-support=tdx")
	default:
		return nil, configErrorf(KindMachine, "unknown machine %q", f.Machine)
	}
	return b.build(), nil
}

// BootFragment describes the boot disk and optional direct kernel boot.
type BootFragment struct {
	ImagePath  string
	Kernel     string
	Initrd     string
	KernelArgs string
}

// NewBoot returns a boot fragment for a disk image.
func NewBoot(imagePath string) *BootFragment {
	return &BootFragment{ImagePath: imagePath, KernelArgs: DefaultKernelCmdline().String()}
}

func (*BootFragment) Kind() FragmentKind { return KindBoot }
func (*BootFragment) fragment()          {}

func (f *BootFragment) Render() ([]string, error) {
	b := newQemuCommandBuilder()
	if f.Kernel != "" {
		b.setKernel(f.Kernel)
		if f.KernelArgs != "" {
			b.setKernelArgs(f.KernelArgs)
		}
	}
	if f.Initrd != "" {
		b.setInitrd(f.Initrd)
	}
	if f.ImagePath != "" {
		b.addVirtioDisk("virtio-disk0", f.ImagePath)
	}
	return b.build(), nil
}

// SerialMode selects where the guest serial console goes.
type SerialMode string

const (
	// SerialFile writes the console to a log file.
	SerialFile SerialMode = "file"
	// SerialStdio attaches the console to QEMU's stdout.
	SerialStdio SerialMode = "stdio"
	// SerialPipe writes the console into a FIFO streamed by the Instance.
	SerialPipe SerialMode = "pipe"
)

// SerialFragment redirects the first serial port.
type SerialFragment struct {
	Mode SerialMode
	Path string // log file or FIFO path; unused for SerialStdio
}

func (*SerialFragment) Kind() FragmentKind { return KindSerial }
func (*SerialFragment) fragment()          {}

func (f *SerialFragment) Render() ([]string, error) {
	b := newQemuCommandBuilder()
	switch f.Mode {
	case SerialStdio:
		b.setSerial("stdio")
	case SerialFile, SerialPipe:
		if f.Path == "" {
			return nil, configErrorf(KindSerial, "%s mode needs a path", f.Mode)
		}
		b.addFileSerial("c1", f.Path)
	default:
		return nil, configErrorf(KindSerial, "unknown mode %q", f.Mode)
	}
	return b.build(), nil
}

// PortForwardFragment forwards a host TCP port to the guest through user networking.
type PortForwardFragment struct {
	HostPort  int
	GuestPort int
}

// NewPortForward returns a fragment forwarding hostPort to the guest SSH port.
func NewPortForward(hostPort int) *PortForwardFragment {
	return &PortForwardFragment{HostPort: hostPort, GuestPort: GuestSSHPort}
}

func (*PortForwardFragment) Kind() FragmentKind { return KindPortForward }
func (*PortForwardFragment) fragment()          {}

func (f *PortForwardFragment) Render() ([]string, error) {
	guest := f.GuestPort
	if guest == 0 {
		guest = GuestSSHPort
	}
	return newQemuCommandBuilder().addUserNetForward("nic0_td", f.HostPort, guest).build(), nil
}

// VsockFragment attaches a vhost-vsock device.
type VsockFragment struct {
	GuestCID uint32
}

func (*VsockFragment) Kind() FragmentKind { return KindVsock }
func (*VsockFragment) fragment()          {}

func (f *VsockFragment) Render() ([]string, error) {
	// CIDs 0-2 are reserved for the hypervisor, local and host.
	if f.GuestCID < 3 {
		return nil, configErrorf(KindVsock, "guest CID %d is reserved", f.GuestCID)
	}
	return newQemuCommandBuilder().addVsockDevice(f.GuestCID).build(), nil
}

// RunLogFragment sends QEMU's own debug log to a file.
type RunLogFragment struct {
	Path string
}

func (*RunLogFragment) Kind() FragmentKind { return KindRunLog }
func (*RunLogFragment) fragment()          {}

func (f *RunLogFragment) Render() ([]string, error) {
	if f.Path == "" {
		return nil, nil
	}
	return newQemuCommandBuilder().setRunLog(f.Path).build(), nil
}
