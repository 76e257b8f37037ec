package fakevmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	opts, err := parse([]string{
		"-accel", "kvm",
		"-nographic",
		"-object", "tdx-guest,id=tdx",
		"-machine", "q35,kernel_irqchip=split,confidential-guest-support=tdx",
		"-bios", "/usr/share/ovmf/OVMF.fd",
		"-chardev", "file,id=c1,path=/tmp/w/serial.log,signal=off",
		"-netdev", "user,id=nic0_td,hostfwd=tcp::40123-:22",
		"-pidfile", "/tmp/w/qemu.pid",
		"-monitor", "unix:/tmp/w/monitor.sock,server,nowait",
		"-qmp", "unix:/tmp/w/qmp.sock,server=on,wait=off",
	})
	require.NoError(t, err)

	assert.True(t, opts.tdx)
	assert.True(t, opts.firmware)
	assert.Equal(t, "/tmp/w/serial.log", opts.serialPath)
	assert.Equal(t, 40123, opts.hostPort)
	assert.Equal(t, "/tmp/w/qemu.pid", opts.pidfile)
	assert.Equal(t, "/tmp/w/monitor.sock", opts.monitor)
	assert.Equal(t, "/tmp/w/qmp.sock", opts.qmp)
}

func TestParse_PflashCountsAsFirmware(t *testing.T) {
	opts, err := parse([]string{"-drive", "file=/c.fd,if=pflash,format=raw,unit=0,readonly=on"})
	require.NoError(t, err)
	assert.True(t, opts.firmware)
}

func TestParse_RejectsMalformedObject(t *testing.T) {
	_, err := parse([]string{"-object", `{"qom-type":"tdx-guest","id":`})
	require.Error(t, err)

	_, err = parse([]string{"-object", `{"id":"tdx"}`})
	assert.ErrorContains(t, err, "qom-type")
}

func TestRun_TDXWithoutFirmware(t *testing.T) {
	code := run([]string{"-machine", "q35,confidential-guest-support=tdx"})
	assert.Equal(t, 1, code)
}

func TestMonitorCommand(t *testing.T) {
	m := &machine{exit: make(chan int, 1), status: "running"}
	assert.Equal(t, "VM status: running\r\n", m.monitorCommand("info status"))
	assert.Empty(t, m.monitorCommand("nmi"))
	assert.Contains(t, m.monitorCommand("bogus arg"), "unknown command: 'bogus'")

	m.monitorCommand("quit")
	assert.Equal(t, 0, <-m.exit)
}
