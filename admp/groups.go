// Copyright 2026 The Agentd Authors
// SPDX-License-Identifier: Apache-2.0

package admp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// CreateGroup creates a messaging group on the hub. The creating
// agent becomes the first member.
func (c *Client) CreateGroup(ctx context.Context, request CreateGroupRequest) (*Group, error) {
	if request.Name == "" {
		return nil, fmt.Errorf("admp: group name is required")
	}
	if _, err := c.requireRegistration(); err != nil {
		return nil, err
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/api/groups", request, nil)
	if err != nil {
		return nil, fmt.Errorf("admp: creating group %q: %w", request.Name, err)
	}

	var group Group
	if err := json.Unmarshal(body, &group); err != nil {
		return nil, fmt.Errorf("admp: failed to parse create group response: %w", err)
	}
	return &group, nil
}

// JoinGroup joins a group. For key-protected groups the caller
// supplies the access key; the hub alone decides whether the join is
// allowed (open groups admit anyone, invite-only groups reject
// uninvited joins regardless of key).
func (c *Client) JoinGroup(ctx context.Context, groupID, key string) error {
	if _, err := c.requireRegistration(); err != nil {
		return err
	}

	payload := map[string]string{}
	if key != "" {
		payload["key"] = key
	}
	_, err := c.doRequest(ctx, http.MethodPost, "/api/groups/"+url.PathEscape(groupID)+"/join", payload, nil)
	if err != nil {
		return fmt.Errorf("admp: joining group %q: %w", groupID, err)
	}
	return nil
}

// LeaveGroup leaves a group.
func (c *Client) LeaveGroup(ctx context.Context, groupID string) error {
	if _, err := c.requireRegistration(); err != nil {
		return err
	}
	_, err := c.doRequest(ctx, http.MethodPost, "/api/groups/"+url.PathEscape(groupID)+"/leave", nil, nil)
	if err != nil {
		return fmt.Errorf("admp: leaving group %q: %w", groupID, err)
	}
	return nil
}

// AddGroupMember adds another agent to a group. The hub enforces
// whether this agent may add members.
func (c *Client) AddGroupMember(ctx context.Context, groupID, agentID string) error {
	if _, err := c.requireRegistration(); err != nil {
		return err
	}
	_, err := c.doRequest(ctx, http.MethodPost, "/api/groups/"+url.PathEscape(groupID)+"/members",
		map[string]string{"agent_id": agentID}, nil)
	if err != nil {
		return fmt.Errorf("admp: adding member %q to group %q: %w", agentID, groupID, err)
	}
	return nil
}

// PostGroupMessage fans a message out to every group member and
// returns the delivery counts. A non-zero Failed count is partial
// delivery (success with degradation), not an error.
func (c *Client) PostGroupMessage(ctx context.Context, groupID, subject string, body map[string]any) (*GroupPostResult, error) {
	if _, err := c.requireRegistration(); err != nil {
		return nil, err
	}

	envelope := c.newEnvelope(MessageTypeGroup, groupID, subject, body)
	responseBody, err := c.doRequest(ctx, http.MethodPost, "/api/groups/"+url.PathEscape(groupID)+"/messages", envelope, nil)
	if err != nil {
		return nil, fmt.Errorf("admp: posting to group %q: %w", groupID, err)
	}

	var result GroupPostResult
	if err := json.Unmarshal(responseBody, &result); err != nil {
		return nil, fmt.Errorf("admp: failed to parse group post response: %w", err)
	}
	if result.Failed > 0 {
		c.logger.Warn("partial group delivery",
			"group", groupID,
			"delivered", result.Delivered,
			"failed", result.Failed,
		)
	}
	return &result, nil
}

// GroupHistory fetches one page of a group's message history. Page
// through by passing the last message id of a page as Before on the
// next call, until HasMore is false.
func (c *Client) GroupHistory(ctx context.Context, groupID string, options HistoryOptions) (*HistoryPage, error) {
	if _, err := c.requireRegistration(); err != nil {
		return nil, err
	}

	query := url.Values{}
	if options.Limit > 0 {
		query.Set("limit", strconv.Itoa(options.Limit))
	}
	if options.Before != "" {
		query.Set("before", options.Before)
	}

	body, err := c.doRequest(ctx, http.MethodGet, "/api/groups/"+url.PathEscape(groupID)+"/messages", nil, query)
	if err != nil {
		return nil, fmt.Errorf("admp: fetching history for group %q: %w", groupID, err)
	}

	var page HistoryPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("admp: failed to parse group history response: %w", err)
	}
	return &page, nil
}
