//go:build linux && amd64

package hypervisor_test

import (
	"encoding/binary"
	"strings"
	"testing"

	"example.com/bootcore/core_engine/hypervisor"
)

func TestKvmRun_InternalError(t *testing.T) {
	var run hypervisor.KvmRun
	binary.LittleEndian.PutUint32(run.Exit[0:], hypervisor.KVM_INTERNAL_ERROR_EMULATION)
	binary.LittleEndian.PutUint32(run.Exit[4:], 2)
	binary.LittleEndian.PutUint64(run.Exit[8:], 0x8000)
	binary.LittleEndian.PutUint64(run.Exit[16:], 0x0B0F)
	binary.LittleEndian.PutUint64(run.Exit[24:], 0xDEAD) // beyond ndata

	ie := run.InternalError()
	if ie.Suberror != hypervisor.KVM_INTERNAL_ERROR_EMULATION || ie.Ndata != 2 {
		t.Fatalf("Unexpected decode %+v", ie)
	}
	s := ie.String()
	if !strings.Contains(s, "emulation failure") || !strings.Contains(s, "0x8000") || !strings.Contains(s, "0xb0f") {
		t.Errorf("Unexpected rendering %q", s)
	}
	if strings.Contains(s, "0xdead") {
		t.Errorf("Expected data past ndata to be omitted, got %q", s)
	}
}

func TestKvmInternalError_NdataClamped(t *testing.T) {
	ie := hypervisor.KvmInternalError{Suberror: 9, Ndata: 1000}
	if s := ie.String(); !strings.HasPrefix(s, "suberror 9") {
		t.Errorf("Unexpected rendering %q", s)
	}
}
