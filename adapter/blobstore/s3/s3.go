// Package s3 implements adapter.Contract over an S3-compatible object store (AWS S3 or a
// MinIO endpoint): one object per committed tuple under "<entity>/<eid>.json", and staged
// writes held under "<entity>/.staged/<txnID>/<eid>.json" until commit or rollback.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	log "log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/polyq/kernel"
	"github.com/polyq/kernel/adapter"
	"github.com/polyq/kernel/durability"
	"github.com/polyq/kernel/encoding"
	"github.com/sethvargo/go-retry"
)

// Config describes the S3-compatible endpoint and bucket this Adapter stores rows in.
type Config struct {
	HostEndpointURL string
	Region          string
	AccessKey       string
	SecretKey       string
	Bucket          string

	// DataShards and ParityShards, when both positive, enable Reed-Solomon shard
	// redundancy for committed rows: each row's body is split into DataShards+ParityShards
	// fragments, stored together as one durability.ShardSet object under the row's key, so
	// losing or corrupting up to ParityShards fragments is still recoverable.
	DataShards   int
	ParityShards int
}

// Adapter serves one entity's rows as JSON objects in cfg.Bucket under a name-derived prefix.
type Adapter struct {
	client *s3.Client
	bucket string
	prefix string
	name   string
	model  kernel.DataModel
	codec  *durability.ShardCodec
}

// New connects to cfg's endpoint, ensures the bucket exists, and returns an Adapter scoping
// every object it reads or writes under entityName/.
func New(cfg Config, entityName string, model kernel.DataModel) (*Adapter, error) {
	client := s3.NewFromConfig(aws.Config{Region: cfg.Region}, func(o *s3.Options) {
		if cfg.HostEndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.HostEndpointURL)
		}
		o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		o.UsePathStyle = true
	})

	a := &Adapter{client: client, bucket: cfg.Bucket, prefix: entityName, name: entityName, model: model}
	if cfg.DataShards > 0 && cfg.ParityShards > 0 {
		codec, err := durability.NewShardCodec(cfg.DataShards, cfg.ParityShards)
		if err != nil {
			return nil, fmt.Errorf("s3: building shard codec: %w", err)
		}
		a.codec = codec
	}
	err := kernel.Retry(context.Background(), func(ctx context.Context) error {
		_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(cfg.Bucket)})
		if err == nil {
			return nil
		}
		var already *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if errors.As(err, &already) || errors.As(err, &exists) {
			return nil
		}
		if kernel.ShouldRetry(err) {
			return retry.RetryableError(err)
		}
		return err
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("s3: creating bucket %q: %w", cfg.Bucket, err)
	}
	return a, nil
}

// Factory adapts New to the adapter.Factory signature the adapter registry (C11) expects.
func Factory(ctx context.Context, config map[string]string) (adapter.Contract, error) {
	model := kernel.Relational
	switch config["model"] {
	case "document":
		model = kernel.Document
	case "graph":
		model = kernel.Graph
	}
	cfg := Config{
		HostEndpointURL: config["endpoint"],
		Region:          config["region"],
		AccessKey:       config["access_key"],
		SecretKey:       config["secret_key"],
		Bucket:          config["bucket"],
	}
	if n, err := strconv.Atoi(config["data_shards"]); err == nil {
		cfg.DataShards = n
	}
	if n, err := strconv.Atoi(config["parity_shards"]); err == nil {
		cfg.ParityShards = n
	}
	return New(cfg, config["name"], model)
}

func (a *Adapter) Descriptor() adapter.Descriptor {
	return adapter.Descriptor{
		Name:          a.name,
		Models:        []kernel.DataModel{a.model},
		SupportsTwoPC: true,
		SupportsMVCC:  true,
	}
}

func (a *Adapter) committedKey(eid int64) string {
	return fmt.Sprintf("%s/%d.json", a.prefix, eid)
}

func (a *Adapter) stagedPrefix(txnID int64) string {
	return fmt.Sprintf("%s/.staged/%d/", a.prefix, txnID)
}

func (a *Adapter) stagedKey(txnID, eid int64) string {
	return fmt.Sprintf("%s%d.json", a.stagedPrefix(txnID), eid)
}

func (a *Adapter) Scan(ctx context.Context, entity kernel.EntityInfo, opts adapter.ScanOptions, visit func(adapter.Row) error) error {
	committedPrefix := a.prefix + "/"
	var token *string
	for {
		out, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(a.bucket), Prefix: aws.String(committedPrefix), ContinuationToken: token})
		if err != nil {
			return fmt.Errorf("s3: listing %q: %w", committedPrefix, err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if strings.Contains(key, "/.staged/") {
				continue
			}
			row, err := a.getRow(ctx, key)
			if err != nil {
				return err
			}
			if v, ok := row["_vid"]; ok {
				if !kernel.Vid(toInt64(v)).VisibleTo(opts.ReaderTxnID, opts.Snapshot) {
					continue
				}
			}
			if err := visit(row); err != nil {
				return err
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}

	stagedPrefix := a.stagedPrefix(opts.ReaderTxnID)
	out, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(a.bucket), Prefix: aws.String(stagedPrefix)})
	if err != nil {
		return fmt.Errorf("s3: listing %q: %w", stagedPrefix, err)
	}
	for _, obj := range out.Contents {
		row, err := a.getRow(ctx, aws.ToString(obj.Key))
		if err != nil {
			return err
		}
		if t, ok := row["_tombstone"]; ok && t == true {
			continue
		}
		row["_vid"] = kernel.StagedVid(opts.ReaderTxnID)
		if err := visit(row); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) getRow(ctx context.Context, key string) (adapter.Row, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(a.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("s3: getting %q: %w", key, err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}

	rowBody := body
	if a.codec != nil {
		var set durability.ShardSet
		if err := encoding.Unmarshal(body, &set); err != nil {
			return nil, fmt.Errorf("s3: decoding shard set %q: %w", key, err)
		}
		dr := a.codec.Decode(&set)
		if dr.Err != nil {
			return nil, fmt.Errorf("s3: reconstructing %q: %w", key, dr.Err)
		}
		if len(dr.Repaired) > 0 {
			log.Warn("s3: repaired corrupted or missing shard(s)", "key", key, "indices", dr.Repaired)
		}
		rowBody = dr.Data
	}

	var row adapter.Row
	if err := encoding.Unmarshal(rowBody, &row); err != nil {
		return nil, fmt.Errorf("s3: decoding %q: %w", key, err)
	}
	eid, err := strconv.ParseInt(strings.TrimSuffix(key[strings.LastIndex(key, "/")+1:], ".json"), 10, 64)
	if err == nil {
		row["_eid"] = eid
	}
	return row, nil
}

func (a *Adapter) put(ctx context.Context, key string, row adapter.Row) error {
	body, err := encoding.Marshal(row)
	if err != nil {
		return fmt.Errorf("s3: encoding %q: %w", key, err)
	}

	if a.codec != nil {
		set, err := a.codec.Encode(body)
		if err != nil {
			return fmt.Errorf("s3: sharding %q: %w", key, err)
		}
		body, err = encoding.Marshal(set)
		if err != nil {
			return fmt.Errorf("s3: encoding shard set %q: %w", key, err)
		}
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{Bucket: aws.String(a.bucket), Key: aws.String(key), Body: bytes.NewReader(body)})
	return err
}

func (a *Adapter) Modify(ctx context.Context, entity kernel.EntityInfo, op adapter.ModifyOp) error {
	txnID, err := modifyTxnID(op)
	if err != nil {
		return err
	}
	switch op.Kind {
	case adapter.Insert:
		for _, row := range op.Rows {
			if err := a.put(ctx, a.stagedKey(txnID, toInt64(row["_eid"])), row); err != nil {
				return err
			}
		}
	case adapter.Update:
		for i, key := range op.Keys {
			if err := a.put(ctx, a.stagedKey(txnID, toInt64(key["_eid"])), op.Rows[i]); err != nil {
				return err
			}
		}
	case adapter.Delete:
		for _, key := range op.Keys {
			if err := a.put(ctx, a.stagedKey(txnID, toInt64(key["_eid"])), adapter.Row{"_tombstone": true}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Adapter) Refresh(ctx context.Context, entity kernel.EntityInfo) error { return nil }

// Prepare is a no-op: the staged object already durably holds this transaction's write.
func (a *Adapter) Prepare(ctx context.Context, txnID int64) error { return nil }

func (a *Adapter) Commit(ctx context.Context, txnID int64, commitInstant int64) error {
	prefix := a.stagedPrefix(txnID)
	out, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(a.bucket), Prefix: aws.String(prefix)})
	if err != nil {
		return fmt.Errorf("s3: listing %q: %w", prefix, err)
	}
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		row, err := a.getRow(ctx, key)
		if err != nil {
			return err
		}
		eid := row["_eid"]
		if t, ok := row["_tombstone"]; ok && t == true {
			if _, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(a.bucket), Key: aws.String(a.committedKey(toInt64(eid)))}); err != nil {
				return err
			}
		} else {
			row["_vid"] = commitInstant
			if err := a.put(ctx, a.committedKey(toInt64(eid)), row); err != nil {
				return err
			}
		}
		if _, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(a.bucket), Key: aws.String(key)}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) Rollback(ctx context.Context, txnID int64) error {
	prefix := a.stagedPrefix(txnID)
	out, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(a.bucket), Prefix: aws.String(prefix)})
	if err != nil {
		return fmt.Errorf("s3: listing %q: %w", prefix, err)
	}
	for _, obj := range out.Contents {
		if _, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(a.bucket), Key: obj.Key}); err != nil {
			return err
		}
	}
	return nil
}

func modifyTxnID(op adapter.ModifyOp) (int64, error) {
	rows := op.Rows
	if len(rows) == 0 {
		rows = op.Keys
	}
	for _, row := range rows {
		if vid, ok := row["_vid"]; ok {
			if txnID, staged := kernel.Vid(toInt64(vid)).IsStaged(); staged {
				return txnID, nil
			}
		}
	}
	return 0, fmt.Errorf("s3 adapter: could not determine staging transaction from modify op")
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case kernel.Eid:
		return int64(n)
	case kernel.Vid:
		return int64(n)
	default:
		return 0
	}
}

var (
	_ adapter.Contract = (*Adapter)(nil)
	_ adapter.TwoPC    = (*Adapter)(nil)
)
