package apiclient

// ReplicationStatus is the server's view of one replica registration.
type ReplicationStatus struct {
	ClientID string `json:"clientId"`
	LastLSN  string `json:"lastLSN"`
}

// ClientInfo is one entry from the clients listing.
type ClientInfo struct {
	ClientID string `json:"clientId"`
	LastLSN  string `json:"lastLSN"`
	LastSeen int64  `json:"lastSeen"`
}

// Health is the server liveness payload.
type Health struct {
	Service string `json:"service"`
}

// Readiness is the server readiness payload.
type Readiness struct {
	LSN string `json:"lsn"`
}

// ReplicationInit registers this replica with the server. Idempotent;
// re-registering a known client refreshes the registration.
func (c *Client) ReplicationInit(clientID string) (*ReplicationStatus, error) {
	var status ReplicationStatus
	req := map[string]string{"clientId": clientID}
	if err := c.post("/api/replication/init", req, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ListClients returns every replica registered with the server.
func (c *Client) ListClients() ([]ClientInfo, error) {
	var clients []ClientInfo
	if err := c.get("/api/clients", &clients); err != nil {
		return nil, err
	}
	return clients, nil
}

// GetHealth checks server liveness.
func (c *Client) GetHealth() (*Health, error) {
	var h Health
	if err := c.get("/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// GetReadiness checks server readiness and returns the current server
// position.
func (c *Client) GetReadiness() (*Readiness, error) {
	var r Readiness
	if err := c.get("/health/ready", &r); err != nil {
		return nil, err
	}
	return &r, nil
}
