package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// TicketClient fetches single-use realtime tickets from the marketplace API.
type TicketClient struct {
	serverURL string
	client    *http.Client
}

// NewTicketClient creates a ticket client for the given API base URL.
func NewTicketClient(serverURL string) *TicketClient {
	return &TicketClient{
		serverURL: serverURL,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

type ticketRequest struct {
	UserID string `json:"user_id"`
}

type ticketResponse struct {
	Ticket string `json:"ticket"`
}

// Ticket requests a short-lived ticket authorizing one realtime connection.
func (c *TicketClient) Ticket(identity *Identity) (string, error) {
	body, err := json.Marshal(ticketRequest{UserID: identity.UserID})
	if err != nil {
		return "", fmt.Errorf("encode ticket request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.serverURL+"/api/v1/realtime/ticket", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build ticket request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+identity.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch ticket: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ticket endpoint returned %d", resp.StatusCode)
	}

	var tr ticketResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode ticket response: %w", err)
	}
	if tr.Ticket == "" {
		return "", fmt.Errorf("ticket endpoint returned empty ticket")
	}
	return tr.Ticket, nil
}
