// Package render prints service records for humans.
package render

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/devghori1264/instantcloud/internal/models"
)

// Machines writes one block per machine.
func Machines(w io.Writer, machines []models.Machine) error {
	for _, m := range machines {
		_, err := fmt.Fprintf(w,
			"Machine name:  %s\n"+
				"\tlicense type:  %s\n"+
				"\tstate:  %s\n"+
				"\tmachine type:  %s\n"+
				"\tregion:  %s\n"+
				"\tidle shutdown:  %s\n"+
				"\tuser password:  %s\n"+
				"\tcreate time:  %s\n"+
				"\tlicense id:  %s\n"+
				"\tmachine id:  %s\n",
			m.DNSName, m.LicenseType, m.State, m.MachineType, m.Region,
			m.IdleShutdown, m.UserPassword, m.CreateTime, m.LicenseID, m.ID)
		if err != nil {
			return err
		}
	}
	return nil
}

// Licenses writes one line per license, preceded by a header when there is
// more than one. Columns are separated by a tab with a space on each side.
func Licenses(w io.Writer, licenses []models.License) error {
	if len(licenses) > 1 {
		if _, err := fmt.Fprintln(w, "License Credit  Rate Plan       Expiration"); err != nil {
			return err
		}
	}
	for _, l := range licenses {
		if _, err := fmt.Fprintf(w, "%s \t %s \t %s \t %s\n", l.LicenseID, l.Credit, l.RatePlan, l.Expiration); err != nil {
			return err
		}
	}
	return nil
}

// JSON writes v indented.
func JSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
