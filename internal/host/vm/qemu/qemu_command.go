//go:build linux

package qemu

import (
	"fmt"
	"strings"
)

// qemuCommandBuilder constructs QEMU command-line arguments using a fluent
// builder pattern. Fragments render through it so that flag spelling lives
// in one place.
//
// Example usage:
//
//	args := newQemuCommandBuilder().
//		setAccel("kvm").
//		setCPU("host", "-tsc-deadline").
//		setSMP(16, 1).
//		setMemory("2G").
//		setMachine("q35", "kernel_irqchip=split").
//		build()
type qemuCommandBuilder struct {
	args []string
}

// newQemuCommandBuilder creates a new QEMU command builder.
func newQemuCommandBuilder() *qemuCommandBuilder {
	return &qemuCommandBuilder{
		args: make([]string, 0, 8),
	}
}

// setAccel selects the accelerator (-accel option).
func (b *qemuCommandBuilder) setAccel(accel string) *qemuCommandBuilder {
	b.args = append(b.args, "-accel", accel)
	return b
}

// setMachine sets the machine type and options (-machine option).
// Example: setMachine("q35", "kernel_irqchip=split")
func (b *qemuCommandBuilder) setMachine(machineType string, options ...string) *qemuCommandBuilder {
	b.args = append(b.args, "-machine", joinOptions(machineType, options))
	return b
}

// setCPU sets the CPU model and features (-cpu option).
// Example: setCPU("host", "tsc-freq=1000000000")
func (b *qemuCommandBuilder) setCPU(model string, features ...string) *qemuCommandBuilder {
	b.args = append(b.args, "-cpu", joinOptions(model, features))
	return b
}

// setSMP sets CPU topology (-smp option).
// Example: setSMP(16, 1) produces "-smp 16,sockets=1"
func (b *qemuCommandBuilder) setSMP(cores, sockets int) *qemuCommandBuilder {
	b.args = append(b.args, "-smp", fmt.Sprintf("%d,sockets=%d", cores, sockets))
	return b
}

// setMemory sets the memory size (-m option) using QEMU size syntax ("2G", "512M").
func (b *qemuCommandBuilder) setMemory(size string) *qemuCommandBuilder {
	b.args = append(b.args, "-m", size)
	return b
}

// setNoGraphic disables graphical output (-nographic option).
func (b *qemuCommandBuilder) setNoGraphic() *qemuCommandBuilder {
	b.args = append(b.args, "-nographic")
	return b
}

// setNoDefaults disables default devices (-nodefaults option).
func (b *qemuCommandBuilder) setNoDefaults() *qemuCommandBuilder {
	b.args = append(b.args, "-nodefaults")
	return b
}

// setNoUserConfig skips loading user config files (-no-user-config option).
func (b *qemuCommandBuilder) setNoUserConfig() *qemuCommandBuilder {
	b.args = append(b.args, "-no-user-config")
	return b
}

// setBIOS loads a monolithic firmware image (-bios option).
func (b *qemuCommandBuilder) setBIOS(path string) *qemuCommandBuilder {
	b.args = append(b.args, "-bios", path)
	return b
}

// addPflash adds a raw pflash drive at the given unit.
func (b *qemuCommandBuilder) addPflash(path string, unit int, readonly bool) *qemuCommandBuilder {
	ro := "off"
	if readonly {
		ro = "on"
	}
	return b.addDrive(fmt.Sprintf("file=%s,if=pflash,format=raw,unit=%d,readonly=%s", path, unit, ro))
}

// addObject adds a QOM object (-object option). The value is either the
// key=value form or a JSON descriptor.
func (b *qemuCommandBuilder) addObject(object string) *qemuCommandBuilder {
	b.args = append(b.args, "-object", object)
	return b
}

// setKernel sets the kernel image path (-kernel option).
func (b *qemuCommandBuilder) setKernel(path string) *qemuCommandBuilder {
	b.args = append(b.args, "-kernel", path)
	return b
}

// setInitrd sets the initial ramdisk path (-initrd option).
func (b *qemuCommandBuilder) setInitrd(path string) *qemuCommandBuilder {
	b.args = append(b.args, "-initrd", path)
	return b
}

// setKernelArgs sets kernel command line arguments (-append option).
func (b *qemuCommandBuilder) setKernelArgs(cmdline string) *qemuCommandBuilder {
	b.args = append(b.args, "-append", cmdline)
	return b
}

// addDrive adds a raw drive specification (-drive option).
func (b *qemuCommandBuilder) addDrive(spec string) *qemuCommandBuilder {
	b.args = append(b.args, "-drive", spec)
	return b
}

// addVirtioDisk adds a disk drive with a virtio-blk device.
//
// This generates both -drive and -device options:
//
//	-drive file=<path>,if=none,id=<id>
//	-device virtio-blk-pci,drive=<id>
func (b *qemuCommandBuilder) addVirtioDisk(id, path string) *qemuCommandBuilder {
	b.addDrive(fmt.Sprintf("file=%s,if=none,id=%s", path, id))
	return b.addDevice(fmt.Sprintf("virtio-blk-pci,drive=%s", id))
}

// addDevice adds a device (-device option).
// Example: addDevice("vhost-vsock-pci,guest-cid=3")
func (b *qemuCommandBuilder) addDevice(device string) *qemuCommandBuilder {
	b.args = append(b.args, "-device", device)
	return b
}

// addVsockDevice adds a vhost-vsock device for guest communication.
func (b *qemuCommandBuilder) addVsockDevice(guestCID uint32) *qemuCommandBuilder {
	return b.addDevice(fmt.Sprintf("vhost-vsock-pci,guest-cid=%d", guestCID))
}

// setSerial sets serial port configuration (-serial option).
// Example: setSerial("stdio")
func (b *qemuCommandBuilder) setSerial(config string) *qemuCommandBuilder {
	b.args = append(b.args, "-serial", config)
	return b
}

// addFileSerial routes an ISA serial port into a file through a chardev.
func (b *qemuCommandBuilder) addFileSerial(id, path string) *qemuCommandBuilder {
	b.args = append(b.args, "-chardev", fmt.Sprintf("file,id=%s,path=%s,signal=off", id, path))
	return b.addDevice(fmt.Sprintf("isa-serial,chardev=%s", id))
}

// addUserNetForward adds a user-mode NIC forwarding a host TCP port to the guest.
//
//	-device virtio-net-pci,netdev=<id>
//	-netdev user,id=<id>,hostfwd=tcp::<host>-:<guest>
func (b *qemuCommandBuilder) addUserNetForward(id string, hostPort, guestPort int) *qemuCommandBuilder {
	b.addDevice(fmt.Sprintf("virtio-net-pci,netdev=%s", id))
	b.args = append(b.args, "-netdev", fmt.Sprintf("user,id=%s,hostfwd=tcp::%d-:%d", id, hostPort, guestPort))
	return b
}

// setRunLog sets the QEMU debug log file (-D option).
func (b *qemuCommandBuilder) setRunLog(path string) *qemuCommandBuilder {
	b.args = append(b.args, "-D", path)
	return b
}

// setPidFile sets the pidfile path (-pidfile option).
func (b *qemuCommandBuilder) setPidFile(path string) *qemuCommandBuilder {
	b.args = append(b.args, "-pidfile", path)
	return b
}

// setMonitorUnixSocket exposes the human monitor on a Unix socket.
func (b *qemuCommandBuilder) setMonitorUnixSocket(socketPath string) *qemuCommandBuilder {
	b.args = append(b.args, "-monitor", fmt.Sprintf("unix:%s,server,nowait", socketPath))
	return b
}

// setQMPUnixSocket sets QMP to use a Unix socket.
func (b *qemuCommandBuilder) setQMPUnixSocket(socketPath string) *qemuCommandBuilder {
	b.args = append(b.args, "-qmp", fmt.Sprintf("unix:%s,server=on,wait=off", socketPath))
	return b
}

// build returns the complete command-line arguments.
func (b *qemuCommandBuilder) build() []string {
	return b.args
}

func joinOptions(head string, options []string) string {
	parts := make([]string, 0, len(options)+1)
	parts = append(parts, head)
	for _, o := range options {
		if o = strings.Trim(o, ","); o != "" {
			parts = append(parts, o)
		}
	}
	return strings.Join(parts, ",")
}
