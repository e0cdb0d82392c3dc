package patient

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Patient is one clinic's record of a person. Identity columns hold
// ciphertext; TenantID never changes after creation.
type Patient struct {
	ID             uuid.UUID         `gorm:"type:uuid;primaryKey"`
	TenantID       uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex:idx_patients_tenant_chart,priority:1;index:idx_patients_tenant_updated,priority:1"`
	ChartNumber    int64             `gorm:"not null;uniqueIndex:idx_patients_tenant_chart,priority:2"`
	FirstName      string            `gorm:"column:first_name"`
	LastName       string            `gorm:"column:last_name"`
	DOB            string            `gorm:"column:dob"`
	Email          string            `gorm:"column:email"`
	Phone          string            `gorm:"column:phone"`
	Address        string            `gorm:"column:address"`
	Gender         string            `gorm:"column:gender;size:1"`
	Tags           datatypes.JSON    `gorm:"column:tags"`
	Notes          string            `gorm:"column:notes;type:text"`
	Source         string            `gorm:"column:source"`
	SourceMetadata datatypes.JSONMap `gorm:"column:source_metadata"`
	CreatedAt      time.Time
	UpdatedAt      time.Time `gorm:"index:idx_patients_tenant_updated,priority:2"`
}

func (Patient) TableName() string {
	return "patients"
}

func (p *Patient) TagList() []string {
	var tags []string
	if len(p.Tags) == 0 {
		return tags
	}
	_ = json.Unmarshal(p.Tags, &tags)
	return tags
}

func (p *Patient) SetTags(tags []string) {
	if tags == nil {
		tags = []string{}
	}
	data, _ := json.Marshal(tags)
	p.Tags = datatypes.JSON(data)
}

func (p *Patient) HasTag(tag string) bool {
	for _, t := range p.TagList() {
		if t == tag {
			return true
		}
	}
	return false
}

// Identity is the decrypted view of a patient used for matching.
type Identity struct {
	FirstName string
	LastName  string
	DOB       string
	Email     string
	Phone     string
}
