package domain

import "testing"

func TestDeploymentStatusTransitions(t *testing.T) {
	cases := []struct {
		from DeploymentStatus
		to   DeploymentStatus
		ok   bool
	}{
		{DeploymentPending, DeploymentBuilding, true},
		{DeploymentBuilding, DeploymentDeploying, true},
		{DeploymentDeploying, DeploymentSuccess, true},
		{DeploymentBuilding, DeploymentFailed, true},
		{DeploymentDeploying, DeploymentFailed, true},
		{DeploymentDeploying, DeploymentBuilding, false},
		{DeploymentSuccess, DeploymentFailed, false},
		{DeploymentFailed, DeploymentBuilding, false},
		{DeploymentPending, DeploymentSuccess, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Fatalf("transition %s -> %s: expected %v got %v", tc.from, tc.to, tc.ok, got)
		}
	}
	if !DeploymentFailed.IsTerminal() || DeploymentDeploying.IsTerminal() {
		t.Fatalf("unexpected terminal classification")
	}
}

func TestContainerPrimaryPort(t *testing.T) {
	c := Container{Ports: []PortMapping{{Host: 8080}, {Container: 3000}}}
	if got := c.PrimaryPort(); got != 3000 {
		t.Fatalf("expected 3000 got %d", got)
	}
	if got := (Container{}).PrimaryPort(); got != 80 {
		t.Fatalf("expected fallback 80 got %d", got)
	}
}
