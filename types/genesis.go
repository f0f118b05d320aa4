package types

import (
	"errors"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/tendermint/tendermint/crypto"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/tempfile"
)

// GenesisValidator is an initial roster member.
type GenesisValidator struct {
	Address Address       `json:"address"`
	PubKey  crypto.PubKey `json:"pub_key"`
	Weight  int64         `json:"weight"`
	Name    string        `json:"name,omitempty"`
}

// GenesisDoc defines the initial conditions of a cluster: the chain id,
// the membership roster with voting weights, and whether quorums are
// sized for byzantine members.
type GenesisDoc struct {
	ChainID     string             `json:"chain_id"`
	GenesisTime time.Time          `json:"genesis_time"`
	Byzantine   bool               `json:"byzantine"`
	Validators  []GenesisValidator `json:"validators"`
}

// MembershipSet builds the runtime roster from the genesis doc.
func (genDoc *GenesisDoc) MembershipSet() *MembershipSet {
	vals := make([]*Validator, 0, len(genDoc.Validators))
	for _, gv := range genDoc.Validators {
		weight := gv.Weight
		if weight == 0 {
			weight = 1
		}
		vals = append(vals, NewWeightedValidator(gv.PubKey, weight))
	}
	return NewMembershipSet(vals)
}

func (genDoc *GenesisDoc) ValidateAndComplete() error {
	if genDoc.ChainID == "" {
		return errors.New("genesis doc must include non-empty chain_id")
	}
	if len(genDoc.Validators) == 0 {
		return errors.New("genesis doc must include at least one validator")
	}
	for i, gv := range genDoc.Validators {
		if gv.PubKey == nil {
			return fmt.Errorf("genesis validator #%d has no pubkey", i)
		}
		if gv.Weight < 0 {
			return fmt.Errorf("genesis validator #%d has negative weight", i)
		}
		if len(gv.Address) == 0 {
			genDoc.Validators[i].Address = GetAddress(gv.PubKey)
		}
	}
	if genDoc.GenesisTime.IsZero() {
		genDoc.GenesisTime = time.Now()
	}
	return nil
}

// SaveAs is a utility method for saving GenesisDoc as a JSON file.
func (genDoc *GenesisDoc) SaveAs(file string) error {
	genDocBytes, err := tmjson.MarshalIndent(genDoc, "", "  ")
	if err != nil {
		return err
	}
	return tempfile.WriteFileAtomic(file, genDocBytes, 0644)
}

//------------------------------------------------------------
// Make genesis state from file

// GenesisDocFromJSON unmarshals JSON data into a GenesisDoc.
func GenesisDocFromJSON(jsonBlob []byte) (*GenesisDoc, error) {
	genDoc := GenesisDoc{}
	err := tmjson.Unmarshal(jsonBlob, &genDoc)
	if err != nil {
		return nil, err
	}

	if err := genDoc.ValidateAndComplete(); err != nil {
		return nil, err
	}

	return &genDoc, err
}

// GenesisDocFromFile reads JSON data from a file and unmarshals it into
// a GenesisDoc.
func GenesisDocFromFile(genDocFile string) (*GenesisDoc, error) {
	jsonBlob, err := ioutil.ReadFile(genDocFile)
	if err != nil {
		return nil, fmt.Errorf("couldn't read GenesisDoc file: %w", err)
	}
	genDoc, err := GenesisDocFromJSON(jsonBlob)
	if err != nil {
		return nil, fmt.Errorf("error reading GenesisDoc at %v: %w", genDocFile, err)
	}
	return genDoc, nil
}
