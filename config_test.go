package directble

import (
	"testing"
	"time"
)

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	c := DefaultConfig()
	if c.Mode != ModeDual {
		t.Errorf("Mode: got %v want %v", c.Mode, ModeDual)
	}
	if c.MGMTTimeout != 3*time.Second {
		t.Errorf("MGMTTimeout: got %v want 3s", c.MGMTTimeout)
	}
	if c.HCITimeout != 3*time.Second {
		t.Errorf("HCITimeout: got %v want 3s", c.HCITimeout)
	}
	if c.L2CAPPollTimeout != 3*time.Second {
		t.Errorf("L2CAPPollTimeout: got %v want 3s", c.L2CAPPollTimeout)
	}
	if c.MGMTRingCapacity != 256 {
		t.Errorf("MGMTRingCapacity: got %d want 256", c.MGMTRingCapacity)
	}
	if c.HCIRingCapacity != 64 {
		t.Errorf("HCIRingCapacity: got %d want 64", c.HCIRingCapacity)
	}
	if c.ATTRingCapacity != 256 {
		t.Errorf("ATTRingCapacity: got %d want 256", c.ATTRingCapacity)
	}
	if !c.AutoConfirmIndications {
		t.Errorf("AutoConfirmIndications: want true by default")
	}
	if c.ClientMaxATTMTU != 512 {
		t.Errorf("ClientMaxATTMTU: got %d want 512", c.ClientMaxATTMTU)
	}
}

func TestApplyDefaultsFillsOnlyZeroFields(t *testing.T) {
	c := Config{Mode: ModeLE, MGMTTimeout: 10 * time.Second}
	c.ApplyDefaults()
	if c.Mode != ModeLE {
		t.Errorf("Mode should not be overwritten: got %v", c.Mode)
	}
	if c.MGMTTimeout != 10*time.Second {
		t.Errorf("MGMTTimeout should not be overwritten: got %v", c.MGMTTimeout)
	}
	if c.HCITimeout != 3*time.Second {
		t.Errorf("HCITimeout should still be defaulted: got %v", c.HCITimeout)
	}
}
