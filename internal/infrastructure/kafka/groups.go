package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"github.com/quantica-technologies/kafka-backup/internal/domain"
	apperrors "github.com/quantica-technologies/kafka-backup/pkg/errors"
)

// GroupAdmin manages consumer group offsets through kadm
type GroupAdmin struct {
	adm *kadm.Client
}

func newGroupAdmin(cluster *domain.KafkaCluster) (*GroupAdmin, error) {
	opts, err := groupClientOptions(cluster)
	if err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeConfig, "failed to create group admin client")
	}
	return &GroupAdmin{adm: kadm.NewClient(client)}, nil
}

func groupClientOptions(cluster *domain.KafkaCluster) ([]kgo.Opt, error) {
	if cluster == nil || len(cluster.BootstrapServers) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeConfig, "bootstrap servers must be specified")
	}

	clientID := "kafka-backup"
	if cluster.ClientID != "" {
		clientID = cluster.ClientID
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cluster.BootstrapServers...),
		kgo.ClientID(clientID),
	}

	sec := cluster.SecurityConfig
	if sec.Protocol.UsesSASL() {
		switch sec.SASLMechanism {
		case domain.SASLMechanismPlain, "":
			opts = append(opts, kgo.SASL(plain.Auth{User: sec.Username, Pass: sec.Password}.AsMechanism()))
		case domain.SASLMechanismScramSHA256:
			opts = append(opts, kgo.SASL(scram.Auth{User: sec.Username, Pass: sec.Password}.AsSha256Mechanism()))
		case domain.SASLMechanismScramSHA512:
			opts = append(opts, kgo.SASL(scram.Auth{User: sec.Username, Pass: sec.Password}.AsSha512Mechanism()))
		default:
			return nil, apperrors.Newf(apperrors.ErrCodeConfig, "unsupported sasl mechanism: %s", sec.SASLMechanism)
		}
	}
	if sec.Protocol.UsesTLS() || (sec.TLSConfig != nil && sec.TLSConfig.Enabled) {
		tlsConfig, err := buildTLSConfig(sec.TLSConfig)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.DialTLSConfig(tlsConfig))
	}
	return opts, nil
}

func (g *GroupAdmin) DescribeGroups(ctx context.Context, groups []string) (map[string]*domain.GroupDescription, error) {
	described, err := g.adm.DescribeGroups(ctx, groups...)
	if err != nil {
		return nil, groupError(err, "failed to describe groups")
	}

	out := make(map[string]*domain.GroupDescription, len(groups))
	for _, name := range groups {
		dg, ok := described[name]
		if !ok {
			out[name] = &domain.GroupDescription{Group: name, State: "Dead"}
			continue
		}
		if dg.Err != nil && !errors.Is(dg.Err, kerr.GroupIDNotFound) {
			return nil, groupError(dg.Err, "failed to describe group "+name)
		}
		desc := &domain.GroupDescription{Group: name, State: dg.State}
		for _, m := range dg.Members {
			desc.Members = append(desc.Members, m.MemberID)
		}
		out[name] = desc
	}
	return out, nil
}

func (g *GroupAdmin) FetchOffsets(ctx context.Context, group string) (domain.GroupOffsets, error) {
	resp, err := g.adm.FetchOffsets(ctx, group)
	if err != nil {
		return nil, groupError(err, "failed to fetch offsets of group "+group)
	}
	if err := resp.Error(); err != nil {
		return nil, groupError(err, "failed to fetch offsets of group "+group)
	}

	offsets := make(domain.GroupOffsets)
	resp.Each(func(o kadm.OffsetResponse) {
		if o.At < 0 {
			return
		}
		offsets[domain.PartitionKey(o.Topic, o.Partition)] = domain.PartitionOffset{
			Offset:   o.At,
			Metadata: o.Metadata,
		}
	})
	return offsets, nil
}

func (g *GroupAdmin) CommitOffsets(ctx context.Context, group string, offsets domain.GroupOffsets) error {
	toCommit := make(kadm.Offsets)
	for key, po := range offsets {
		topic, partition, err := domain.ParsePartitionKey(key)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeConfig, "invalid offset key")
		}
		toCommit.Add(kadm.Offset{
			Topic:       topic,
			Partition:   partition,
			At:          po.Offset,
			LeaderEpoch: -1,
			Metadata:    po.Metadata,
		})
	}
	if len(toCommit) == 0 {
		return nil
	}

	resp, err := g.adm.CommitOffsets(ctx, group, toCommit)
	if err != nil {
		return groupError(err, "failed to commit offsets of group "+group)
	}
	if err := resp.Error(); err != nil {
		return groupError(err, fmt.Sprintf("failed to commit %d offsets of group %s", len(offsets), group))
	}
	return nil
}

func (g *GroupAdmin) Close() error {
	g.adm.Close()
	return nil
}

// groupError classifies kadm errors. Commits rejected because the group
// has live members are precondition failures.
func groupError(err error, message string) error {
	switch {
	case errors.Is(err, kerr.UnknownMemberID), errors.Is(err, kerr.RebalanceInProgress),
		errors.Is(err, kerr.IllegalGeneration), errors.Is(err, kerr.FencedInstanceID):
		return apperrors.Wrap(err, apperrors.ErrCodePrecondition, message+": group has active members")
	case errors.Is(err, kerr.GroupAuthorizationFailed), errors.Is(err, kerr.TopicAuthorizationFailed):
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, message)
	case errors.Is(err, context.Canceled):
		return apperrors.Wrap(err, apperrors.ErrCodeCancelled, message)
	}
	return apperrors.Wrap(err, apperrors.ErrCodeTransientIO, message)
}
