package client

import (
	"context"
	"errors"
	"net/url"
	"strconv"

	"github.com/flushes/flushes/atproto/syntax"
)

var (
	nsidCreateRecord = syntax.NSID("com.atproto.repo.createRecord")
	nsidPutRecord    = syntax.NSID("com.atproto.repo.putRecord")
	nsidDeleteRecord = syntax.NSID("com.atproto.repo.deleteRecord")
	nsidListRecords  = syntax.NSID("com.atproto.repo.listRecords")
)

type RecordRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type createRecordInput struct {
	Repo       string      `json:"repo"`
	Collection syntax.NSID `json:"collection"`
	RKey       string      `json:"rkey,omitempty"`
	Validate   *bool       `json:"validate,omitempty"`
	Record     any         `json:"record"`
}

type deleteRecordInput struct {
	Repo       string      `json:"repo"`
	Collection syntax.NSID `json:"collection"`
	RKey       string      `json:"rkey"`
}

type ListedRecord[T any] struct {
	URI   string `json:"uri"`
	CID   string `json:"cid"`
	Value T      `json:"value"`
}

type ListRecordsOutput[T any] struct {
	Cursor  *string           `json:"cursor,omitempty"`
	Records []ListedRecord[T] `json:"records"`
}

func (c *APIClient) repoDID() (syntax.DID, error) {
	if c.AccountDID == nil {
		return "", errors.New("API client has no account DID")
	}
	return *c.AccountDID, nil
}

// Creates a record in the authenticated account's repo. An empty rkey lets the server pick a TID.
func (c *APIClient) CreateRecord(ctx context.Context, collection syntax.NSID, rkey string, record any) (*RecordRef, error) {
	did, err := c.repoDID()
	if err != nil {
		return nil, err
	}
	// custom (non-bsky) collections have no Lexicon on the PDS
	validate := false
	body := createRecordInput{
		Repo:       did.String(),
		Collection: collection,
		RKey:       rkey,
		Validate:   &validate,
		Record:     record,
	}
	var out RecordRef
	if err := c.Post(ctx, nsidCreateRecord, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Creates or replaces the record at the given key.
func (c *APIClient) PutRecord(ctx context.Context, collection syntax.NSID, rkey syntax.RecordKey, record any) (*RecordRef, error) {
	did, err := c.repoDID()
	if err != nil {
		return nil, err
	}
	validate := false
	body := createRecordInput{
		Repo:       did.String(),
		Collection: collection,
		RKey:       rkey.String(),
		Validate:   &validate,
		Record:     record,
	}
	var out RecordRef
	if err := c.Post(ctx, nsidPutRecord, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) DeleteRecord(ctx context.Context, collection syntax.NSID, rkey syntax.RecordKey) error {
	did, err := c.repoDID()
	if err != nil {
		return err
	}
	body := deleteRecordInput{
		Repo:       did.String(),
		Collection: collection,
		RKey:       rkey.String(),
	}
	return c.Post(ctx, nsidDeleteRecord, body, nil)
}

// One page of records from any repo; works unauthenticated.
func ListRecords[T any](ctx context.Context, c *APIClient, repo syntax.AtIdentifier, collection syntax.NSID, cursor string, limit int) (*ListRecordsOutput[T], error) {
	params := url.Values{}
	params.Set("repo", repo.String())
	params.Set("collection", collection.String())
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	var out ListRecordsOutput[T]
	if err := c.Get(ctx, nsidListRecords, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
