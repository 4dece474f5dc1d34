package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mission-council/internal/metadata"
	"github.com/sells-group/mission-council/internal/model"
)

// Risk flags raised by the gate.
const (
	RiskMissingImage    = "missing_image"
	RiskImageUnreadable = "image_unreadable"
	RiskMetadataInvalid = "metadata_invalid"
	RiskDuplicateImage  = "duplicate_image"
	RiskInternalFault   = "internal_fault"
)

// Node names used in error records and trace messages.
const (
	nodeGateKeeper   = "gate_keeper"
	nodeTaskRouter   = "task_router"
	nodeModelFanout  = "model_fanout"
	nodeAggregator   = "evidence_aggregator"
	nodeDecision     = "decision_engine"
	nodeCouponPolicy = "coupon_policy_engine"
	nodeFinalizer    = "finalizer"
)

// DuplicateChecker answers whether a user already submitted an image.
type DuplicateChecker interface {
	IsDuplicateHashForUser(ctx context.Context, userID, hash string) (bool, error)
}

// Hasher computes the content hash of an image.
type Hasher func(path string) (string, error)

// HashFile returns the hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", eris.Wrap(err, "pipeline: open image")
	}
	defer f.Close() //nolint:errcheck

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", eris.Wrap(err, "pipeline: hash image")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// GateKeeper admits a submission before any judge sees it: the photo must
// pass the metadata policy and must not repeat one the user already sent.
type GateKeeper struct {
	validator metadata.Validator
	dups      DuplicateChecker
	hash      Hasher
}

// NewGateKeeper creates a GateKeeper. A nil hasher uses HashFile.
func NewGateKeeper(v metadata.Validator, dups DuplicateChecker, hash Hasher) *GateKeeper {
	if hash == nil {
		hash = HashFile
	}
	return &GateKeeper{validator: v, dups: dups, hash: hash}
}

// Check runs the admission check.
func (g *GateKeeper) Check(ctx context.Context, st model.State) model.Delta {
	req := st.Request
	if strings.TrimSpace(req.ImagePath) == "" {
		return blocked(model.ErrMissingImage, "image_path is required", "image_path_missing",
			&model.GateResult{Reason: "image_path_missing", RiskFlags: []string{RiskMissingImage}})
	}

	hash, err := g.hash(req.ImagePath)
	if err != nil {
		zap.L().Warn("gate: hash failed", zap.String("mission_id", req.MissionID), zap.Error(err))
		return blocked(model.ErrGateBlocked, RiskImageUnreadable, RiskImageUnreadable,
			&model.GateResult{Reason: RiskImageUnreadable, RiskFlags: []string{RiskImageUnreadable}})
	}

	isDuplicate, err := g.dups.IsDuplicateHashForUser(ctx, req.UserID, hash)
	if err != nil {
		zap.L().Error("gate: duplicate lookup failed", zap.String("mission_id", req.MissionID), zap.Error(err))
		d := blocked(model.ErrInternalFault, "duplicate lookup failed", RiskInternalFault,
			&model.GateResult{Reason: RiskInternalFault, RiskFlags: []string{RiskInternalFault}})
		d.ImageHash = hash
		return d
	}

	metadataValid := g.validator.Validate(ctx, req.ImagePath)

	flags := []string{}
	if !metadataValid {
		flags = append(flags, RiskMetadataInvalid)
	}
	if isDuplicate {
		flags = append(flags, RiskDuplicateImage)
	}
	passed := metadataValid && !isDuplicate
	reason := "passed"
	if !passed {
		reason = strings.Join(flags, ",")
	}

	d := model.Delta{
		ImageHash: hash,
		GateResult: &model.GateResult{
			Passed:        passed,
			Reason:        reason,
			RiskFlags:     flags,
			MetadataValid: metadataValid,
			IsDuplicate:   isDuplicate,
		},
		Messages: []string{nodeGateKeeper + ": " + reason},
	}
	if !passed {
		d.Terminate = true
		d.Errors = []model.PipelineError{{Code: model.ErrGateBlocked, Message: reason, Node: nodeGateKeeper}}
	}
	return d
}

func blocked(code model.ErrorCode, message, trace string, gate *model.GateResult) model.Delta {
	return model.Delta{
		GateResult: gate,
		Errors:     []model.PipelineError{{Code: code, Message: message, Node: nodeGateKeeper}},
		Terminate:  true,
		Messages:   []string{nodeGateKeeper + ": " + trace},
	}
}
