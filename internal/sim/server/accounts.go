package server

import (
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/devghori1264/instantcloud/internal/models"
)

// Account is a simulated customer account.
type Account struct {
	ID       string        `yaml:"id"`
	Key      string        `yaml:"key"`
	Licenses []LicenseSeed `yaml:"licenses"`
}

// LicenseSeed describes a license created for an account the first time
// the account is registered.
type LicenseSeed struct {
	ID         string  `yaml:"id"`
	RatePlan   string  `yaml:"ratePlan"`
	Credit     float64 `yaml:"credit"`
	Expiration string  `yaml:"expiration"`
}

func (l LicenseSeed) license() *models.License {
	id := l.ID
	if id == "" {
		id = uuid.NewString()
	}
	plan := l.RatePlan
	if plan == "" {
		plan = "standard"
	}
	return &models.License{
		LicenseID:  models.Scalar(id),
		Credit:     models.Scalar(strconv.FormatFloat(l.Credit, 'f', -1, 64)),
		RatePlan:   plan,
		Expiration: l.Expiration,
	}
}

type accountsFile struct {
	Accounts []Account `yaml:"accounts"`
}

// LoadAccounts reads a YAML file of the form
//
//	accounts:
//	  - id: alice
//	    key: s3cret
//	    licenses:
//	      - ratePlan: standard
//	        credit: 100
//	        expiration: "2030-01-01"
func LoadAccounts(path string) ([]Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts: %w", err)
	}
	var f accountsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse accounts %s: %w", path, err)
	}
	return f.Accounts, nil
}
