package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/arvale/worldsync"
)

// fetches full entity state over the sync server's http endpoint
type httpOobFetcher struct {
	url string
	jwt string
}

type oobRequest struct {
	EntityIds []worldsync.EntityId `json:"entityIds"`
}

type oobResponse struct {
	Entries []struct {
		Version worldsync.Version `json:"version"`
		Entity  *worldsync.Entity `json:"entity"`
	} `json:"entries"`
}

func (self *httpOobFetcher) Fetch(
	ctx context.Context,
	entityIds []worldsync.EntityId,
) ([]worldsync.OobResult, error) {
	body, err := json.Marshal(&oobRequest{EntityIds: entityIds})
	if err != nil {
		return nil, err
	}

	url := strings.Replace(self.url, "ws", "http", 1) + "/oob"
	request, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", fmt.Sprintf("Bearer %s", self.jwt))

	client := &http.Client{Timeout: 15 * time.Second}
	response, err := client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oob fetch status %d", response.StatusCode)
	}

	var decoded oobResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return nil, err
	}

	results := make([]worldsync.OobResult, len(decoded.Entries))
	for i, entry := range decoded.Entries {
		results[i] = worldsync.OobResult{
			Version: entry.Version,
			Entity:  entry.Entity,
		}
	}
	return results, nil
}
