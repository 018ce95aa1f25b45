package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	logrusstack "github.com/Gurpartap/logrus-stack"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MXWXZ/orgchart/chart"
	"github.com/MXWXZ/orgchart/internal/audit"
	"github.com/MXWXZ/orgchart/internal/cache"
	"github.com/MXWXZ/orgchart/internal/events"
	"github.com/MXWXZ/orgchart/internal/obslog"
	"github.com/MXWXZ/orgchart/internal/orgerr"
	"github.com/MXWXZ/orgchart/internal/primitives"
)

// host is the ctx-taking surface applyLine dispatches against, satisfied
// directly by *chart.CachedChart and, via plainHost, by a bare *chart.Chart
// when no cache backend is configured.
type host interface {
	Advance(primitives.Hash)
	ActiveRoles() []primitives.RoleID
	HasRole(context.Context, primitives.Address, primitives.RoleID) (bool, error)
	StrictlyHasRole(primitives.Address, primitives.RoleID) (bool, error)
	GrantRole(context.Context, chart.Approval, primitives.Address, primitives.RoleID) (events.Receipt, error)
	RevokeRole(context.Context, chart.Approval, primitives.Address, primitives.RoleID) (events.Receipt, error)
	AddRole(context.Context, chart.Approval, chart.RoleDef) (events.Receipt, error)
	RemoveRole(context.Context, chart.Approval, primitives.RoleID) (events.Receipt, error)
}

type plainHost struct{ *chart.Chart }

func (p plainHost) HasRole(_ context.Context, user primitives.Address, roleID primitives.RoleID) (bool, error) {
	return p.Chart.HasRole(user, roleID)
}

func (p plainHost) GrantRole(_ context.Context, a chart.Approval, nominee primitives.Address, roleID primitives.RoleID) (events.Receipt, error) {
	return p.Chart.GrantRole(a, nominee, roleID)
}

func (p plainHost) RevokeRole(_ context.Context, a chart.Approval, nominee primitives.Address, roleID primitives.RoleID) (events.Receipt, error) {
	return p.Chart.RevokeRole(a, nominee, roleID)
}

func (p plainHost) AddRole(_ context.Context, a chart.Approval, def chart.RoleDef) (events.Receipt, error) {
	return p.Chart.AddRole(a, def)
}

func (p plainHost) RemoveRole(_ context.Context, a chart.Approval, roleID primitives.RoleID) (events.Receipt, error) {
	return p.Chart.RemoveRole(a, roleID)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Load a chart snapshot and replay operation requests from stdin",
	RunE:  runHost,
}

var requestFile string

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&requestFile, "requests", "r", "", "JSON-lines request file (default: stdin)")
}

func configureLogging() *logrus.Logger {
	log := obslog.New()
	if viper.GetBool("log.json") {
		log.SetFormatter(new(logrus.JSONFormatter))
	}
	if viper.GetBool("log.stack") {
		log.AddHook(logrusstack.StandardHook())
	}
	if path := viper.GetString("log.file"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			log.WithError(err).Fatal("could not open log file")
		}
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}
	return log
}

func runHost(cmd *cobra.Command, args []string) error {
	log := configureLogging()
	log.Info("========== orgchartd start ==========")
	defer log.Info("========== orgchartd end ==========")

	var c *chart.Chart
	if snapPath := viper.GetString("chart.snapshot"); snapPath != "" {
		raw, err := os.ReadFile(snapPath)
		if err != nil {
			return fmt.Errorf("reading chart snapshot %s: %w", snapPath, err)
		}
		var snap chart.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return fmt.Errorf("parsing chart snapshot: %w", err)
		}
		if viper.GetBool("chart.dynamic") {
			c, err = chart.NewDynamic(snap)
		} else {
			c, err = chart.NewStatic(snap)
		}
		if err != nil {
			return fmt.Errorf("constructing chart: %w", err)
		}
	} else {
		// No snapshot: bootstrap an empty dynamic chart from the chain
		// parameters alone. It has no roles and no rule-hash bindings, so
		// no admin rule is bound and add_role/remove_role requests against
		// it fail InvalidAdminRule.
		c = chart.NewEmptyDynamic(
			viper.GetUint64("chart.chain_id"),
			common.HexToAddress(viper.GetString("chart.this_address")),
			common.HexToHash(viper.GetString("chart.salt")),
		)
	}
	log.WithField("roles", len(c.ActiveRoles())).Info("chart constructed")

	ctx := context.Background()
	var h host = plainHost{c}
	if addr := viper.GetString("cache.address"); addr != "" {
		ch, err := cache.New(ctx, cache.Config{
			Address:  addr,
			Password: viper.GetString("cache.password"),
			DB:       viper.GetInt("cache.db"),
		})
		if err != nil {
			return fmt.Errorf("connecting cache: %w", err)
		}
		defer ch.Close()
		h = chart.NewCached(c, ch)
		log.WithField("address", addr).Info("has_role cache enabled")
	}

	var auditLog *audit.Log
	if path := viper.GetString("audit.path"); path != "" {
		var err error
		auditLog, err = audit.Open(path)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer auditLog.Close()
		log.WithField("path", path).Info("audit log enabled")
	}

	var in io.Reader = os.Stdin
	if requestFile != "" {
		f, err := os.Open(requestFile)
		if err != nil {
			return fmt.Errorf("opening request file: %w", err)
		}
		defer f.Close()
		in = f
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := applyLine(ctx, log, h, auditLog, line); err != nil {
			obslog.Err(err).Error("operation failed")
		}
	}
	return scanner.Err()
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

func decodeWord(s string) (primitives.Word, error) {
	var w primitives.Word
	if err := w.SetFromHex(s); err != nil {
		return primitives.Word{}, err
	}
	return w, nil
}

func decodeRoleID(s string) (primitives.RoleID, error) {
	h := common.HexToHash(s)
	id, ok := primitives.RoleIDFromBytes32(h)
	if !ok {
		return primitives.RoleID{}, orgerr.Newf(orgerr.KindMalformedRoleID, "malformed role_id %s", s)
	}
	return id, nil
}

type wireApproval struct {
	Signatures       []string `json:"signatures"`
	Atoms            []string `json:"atoms"`
	Assignment       []int    `json:"assignment"`
	SelfSignRequired bool     `json:"self_sign_required"`
	BaseBlockHash    string   `json:"base_block_hash"`
}

func (w wireApproval) decode() (chart.Approval, error) {
	var a chart.Approval
	a.SelfSignRequired = w.SelfSignRequired
	a.BaseBlockHash = common.HexToHash(w.BaseBlockHash)
	a.Assignment = w.Assignment
	for _, s := range w.Signatures {
		b, err := decodeHex(s)
		if err != nil {
			return chart.Approval{}, err
		}
		a.Signatures = append(a.Signatures, b)
	}
	for _, s := range w.Atoms {
		word, err := decodeWord(s)
		if err != nil {
			return chart.Approval{}, err
		}
		a.Atoms = append(a.Atoms, word)
	}
	return a, nil
}

type wireRoleDef struct {
	RoleID      string   `json:"role_id"`
	Flag        string   `json:"flag"`
	SeniorFlags string   `json:"senior_flags"`
	JuniorFlags string   `json:"junior_flags"`
	RuleHashes  []string `json:"rule_hashes"`
}

func (w wireRoleDef) decode() (chart.RoleDef, error) {
	roleID, err := decodeRoleID(w.RoleID)
	if err != nil {
		return chart.RoleDef{}, err
	}
	flag, err := decodeWord(w.Flag)
	if err != nil {
		return chart.RoleDef{}, err
	}
	senior, err := decodeWord(w.SeniorFlags)
	if err != nil {
		return chart.RoleDef{}, err
	}
	junior, err := decodeWord(w.JuniorFlags)
	if err != nil {
		return chart.RoleDef{}, err
	}
	def := chart.RoleDef{RoleID: roleID, Flag: flag, SeniorFlags: senior, JuniorFlags: junior}
	for _, h := range w.RuleHashes {
		def.RuleHashes = append(def.RuleHashes, common.HexToHash(h))
	}
	return def, nil
}

// opRequest is one JSON-lines entry in the replayed request stream.
type opRequest struct {
	Op        string        `json:"op"`
	User      string        `json:"user,omitempty"`
	Nominee   string        `json:"nominee,omitempty"`
	RoleID    string        `json:"role_id,omitempty"`
	Approval  *wireApproval `json:"approval,omitempty"`
	RoleDef   *wireRoleDef  `json:"role_def,omitempty"`
	BlockHash string        `json:"block_hash,omitempty"`
}

func appendAudit(auditLog *audit.Log, log *logrus.Logger, r events.Receipt) {
	if auditLog == nil {
		return
	}
	if err := auditLog.Append(r); err != nil {
		log.WithError(err).Warn("audit: failed to persist receipt")
	}
}

func applyLine(ctx context.Context, log *logrus.Logger, c host, auditLog *audit.Log, line string) error {
	var req opRequest
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return fmt.Errorf("parsing request: %w", err)
	}

	switch req.Op {
	case "advance_block":
		c.Advance(common.HexToHash(req.BlockHash))
		return nil

	case "has_role", "strictly_has_role":
		roleID, err := decodeRoleID(req.RoleID)
		if err != nil {
			return err
		}
		user := common.HexToAddress(req.User)
		var ok bool
		if req.Op == "has_role" {
			ok, err = c.HasRole(ctx, user, roleID)
		} else {
			ok, err = c.StrictlyHasRole(user, roleID)
		}
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{"op": req.Op, "user": user.Hex(), "result": ok}).Info("query")
		return nil

	case "grant_role", "revoke_role":
		if req.Approval == nil {
			return fmt.Errorf("%s requires an approval", req.Op)
		}
		approval, err := req.Approval.decode()
		if err != nil {
			return err
		}
		roleID, err := decodeRoleID(req.RoleID)
		if err != nil {
			return err
		}
		nominee := common.HexToAddress(req.Nominee)
		if req.Op == "grant_role" {
			r, err := c.GrantRole(ctx, approval, nominee, roleID)
			if err != nil {
				return err
			}
			appendAudit(auditLog, log, r)
			log.WithField("events", len(r.Events)).Info("grant_role applied")
		} else {
			r, err := c.RevokeRole(ctx, approval, nominee, roleID)
			if err != nil {
				return err
			}
			appendAudit(auditLog, log, r)
			log.WithField("events", len(r.Events)).Info("revoke_role applied")
		}
		return nil

	case "add_role", "remove_role":
		if req.Approval == nil {
			return fmt.Errorf("%s requires an approval", req.Op)
		}
		approval, err := req.Approval.decode()
		if err != nil {
			return err
		}
		if req.Op == "add_role" {
			if req.RoleDef == nil {
				return fmt.Errorf("add_role requires a role_def")
			}
			def, err := req.RoleDef.decode()
			if err != nil {
				return err
			}
			r, err := c.AddRole(ctx, approval, def)
			if err != nil {
				return err
			}
			appendAudit(auditLog, log, r)
			log.WithField("events", len(r.Events)).Info("add_role applied")
		} else {
			roleID, err := decodeRoleID(req.RoleID)
			if err != nil {
				return err
			}
			r, err := c.RemoveRole(ctx, approval, roleID)
			if err != nil {
				return err
			}
			appendAudit(auditLog, log, r)
			log.WithField("events", len(r.Events)).Info("remove_role applied")
		}
		return nil

	default:
		return fmt.Errorf("unknown op %q", req.Op)
	}
}
