package postgres

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/crossrepl/logship/component"
)

var errTxnConflict = errors.New("txn conflict")

// coordinationNode is one tree node per row. The parent column carries the
// full parent path so children listing is a single indexed query, and the
// primary key on path makes competing creates collide on the unique index.
type coordinationNode struct {
	Path     string `gorm:"primaryKey;column:path"`
	Parent   string `gorm:"column:parent;index:idx_coordination_node_parent"`
	Payload  []byte `gorm:"column:payload"`
	Version  int64  `gorm:"column:version"`
	CVersion int64  `gorm:"column:cversion"`
}

func (coordinationNode) TableName() string {
	return "coordination_node"
}

// PostgresCoordinationStore keeps the coordination tree in a PostgreSQL
// table. Row locks on the touched paths serialize competing transactions,
// so the store contract holds across processes sharing the database.
type PostgresCoordinationStore struct {
	db  *sql.DB
	orm *gorm.DB
}

func NewPostgresCoordinationStore(pgUrl string) (*PostgresCoordinationStore, error) {
	conf, err := pgx.ParseConfig(pgUrl)
	if err != nil {
		return nil, err
	}
	connector := stdlib.GetConnector(*conf)
	db := sql.OpenDB(connector)
	ormDb, err := orm(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresCoordinationStore{
		db:  db,
		orm: ormDb,
	}, nil
}

func (p *PostgresCoordinationStore) Startup() error {
	p.db.SetMaxIdleConns(2)
	p.db.SetMaxOpenConns(10)
	p.db.SetConnMaxIdleTime(time.Hour)
	return p.orm.AutoMigrate(&coordinationNode{})
}

func parentOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}

func ancestors(path string) []string {
	var out []string
	for {
		path = parentOf(path)
		if path == "" {
			return out
		}
		out = append(out, path)
	}
}

func lockNode(tx *gorm.DB, path string) (*coordinationNode, error) {
	node := new(coordinationNode)
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("path = ?", path).First(node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return node, nil
}

func bumpAncestors(tx *gorm.DB, path string) error {
	chain := ancestors(path)
	if len(chain) == 0 {
		return nil
	}
	return tx.Model(&coordinationNode{}).
		Where("path IN ?", chain).
		Update("cversion", gorm.Expr("cversion + 1")).Error
}

func childrenCount(tx *gorm.DB, path string) (int64, error) {
	var count int64
	err := tx.Model(&coordinationNode{}).Where("parent = ?", path).Count(&count).Error
	return count, err
}

func createIfMissing(tx *gorm.DB, path string, payload []byte) error {
	node := &coordinationNode{
		Path:    path,
		Parent:  parentOf(path),
		Payload: payload,
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(node)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return bumpAncestors(tx, path)
	}
	return nil
}

func (p *PostgresCoordinationStore) CreateWithAncestors(path string, payload []byte) error {
	return p.orm.Transaction(func(tx *gorm.DB) error {
		chain := ancestors(path)
		for i := len(chain) - 1; i >= 0; i-- {
			if err := createIfMissing(tx, chain[i], nil); err != nil {
				return err
			}
		}
		return createIfMissing(tx, path, payload)
	})
}

func (p *PostgresCoordinationStore) Get(path string) (*component.NodeData, error) {
	node := new(coordinationNode)
	err := p.orm.Where("path = ?", path).First(node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &component.NodeData{
		Payload: node.Payload,
		Version: node.Version,
	}, nil
}

func (p *PostgresCoordinationStore) Delete(path string) error {
	return p.orm.Transaction(func(tx *gorm.DB) error {
		node, err := lockNode(tx, path)
		if err != nil {
			return err
		}
		if node == nil {
			return component.ErrNodeMissing
		}
		count, err := childrenCount(tx, path)
		if err != nil {
			return err
		}
		if count > 0 {
			return component.ErrNodeNotEmpty
		}
		if err := tx.Where("path = ?", path).Delete(&coordinationNode{}).Error; err != nil {
			return err
		}
		return bumpAncestors(tx, path)
	})
}

func (p *PostgresCoordinationStore) DeleteRecursive(path string) error {
	return p.orm.Transaction(func(tx *gorm.DB) error {
		node, err := lockNode(tx, path)
		if err != nil {
			return err
		}
		if node == nil {
			return nil
		}
		pattern := likeEscape(path) + "/%"
		if err := tx.Where("path = ? OR path LIKE ?", path, pattern).
			Delete(&coordinationNode{}).Error; err != nil {
			return err
		}
		return bumpAncestors(tx, path)
	})
}

func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (p *PostgresCoordinationStore) ListChildren(path string) ([]string, error) {
	var nodes []coordinationNode
	err := p.orm.Select("path").Where("parent = ?", path).Order("path").Find(&nodes).Error
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(nodes))
	for _, node := range nodes {
		names = append(names, node.Path[len(path)+1:])
	}
	return names, nil
}

func (p *PostgresCoordinationStore) ChildrenVersion(path string) (int64, error) {
	node := new(coordinationNode)
	err := p.orm.Select("cversion").Where("path = ?", path).First(node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return node.CVersion, nil
}

func (p *PostgresCoordinationStore) Txn(ops []component.TreeOp) (component.TxnStatus, error) {
	err := p.orm.Transaction(func(tx *gorm.DB) error {
		for _, op := range ops {
			if err := applyOp(tx, op); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, errTxnConflict) {
		return component.TxnConflict, nil
	}
	if err != nil {
		return component.TxnConflict, err
	}
	return component.TxnCommitted, nil
}

func applyOp(tx *gorm.DB, op component.TreeOp) error {
	switch op.Kind {
	case component.TreeOpCreate, component.TreeOpCreateFailSilent:
		if parent := parentOf(op.Path); parent != "" {
			parentNode, err := lockNode(tx, parent)
			if err != nil {
				return err
			}
			if parentNode == nil {
				return errTxnConflict
			}
		}
		node := &coordinationNode{
			Path:    op.Path,
			Parent:  parentOf(op.Path),
			Payload: op.Payload,
		}
		// a plain insert hitting the unique index would abort the whole
		// postgres transaction, so both create flavors insert with ON
		// CONFLICT DO NOTHING and branch on the affected row count
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(node)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if op.Kind == component.TreeOpCreateFailSilent {
				return nil
			}
			return errTxnConflict
		}
		return bumpAncestors(tx, op.Path)
	case component.TreeOpSetPayload:
		res := tx.Model(&coordinationNode{}).Where("path = ?", op.Path).
			Updates(map[string]any{
				"payload": op.Payload,
				"version": gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errTxnConflict
		}
		return nil
	case component.TreeOpDelete, component.TreeOpDeleteFailSilent:
		node, err := lockNode(tx, op.Path)
		if err != nil {
			return err
		}
		if node == nil {
			if op.Kind == component.TreeOpDeleteFailSilent {
				return nil
			}
			return errTxnConflict
		}
		count, err := childrenCount(tx, op.Path)
		if err != nil {
			return err
		}
		if count > 0 {
			return errTxnConflict
		}
		if err := tx.Where("path = ?", op.Path).Delete(&coordinationNode{}).Error; err != nil {
			return err
		}
		return bumpAncestors(tx, op.Path)
	case component.TreeOpCheckChildrenVersion:
		node, err := lockNode(tx, op.Path)
		if err != nil {
			return err
		}
		var cversion int64
		if node != nil {
			cversion = node.CVersion
		}
		if cversion != op.Version {
			return errTxnConflict
		}
		return nil
	default:
		return errTxnConflict
	}
}

func (p *PostgresCoordinationStore) Close() error {
	return p.db.Close()
}

var _ component.CoordinationStore = new(PostgresCoordinationStore)
