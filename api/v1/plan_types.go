package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// PlanSpec defines the request a Plan evaluates.
// Exactly one of Query or Document should be set; Document skips translation.
type PlanSpec struct {
	Query    string `json:"query,omitempty"`
	Document string `json:"document,omitempty"` // YAML, JSON or XML task document

	// MaxReparseAttempts overrides the controller default when non-zero
	MaxReparseAttempts int `json:"maxReparseAttempts,omitempty"`

	Bindings map[string]string `json:"bindings,omitempty"` // Root environment bindings
}

// PlanStatus represents the outcome of evaluating a Plan.
type PlanStatus struct {
	State      NodeState    `json:"state,omitempty"`
	Result     string       `json:"result,omitempty"`
	Reparses   int          `json:"reparses,omitempty"`
	Executions int          `json:"executions,omitempty"`
	Message    string       `json:"message,omitempty"`
	StartTime  *metav1.Time `json:"startTime,omitempty"`
	EndTime    *metav1.Time `json:"endTime,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status

// Plan is the Schema for the plans API
type Plan struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   PlanSpec   `json:"spec,omitempty"`
	Status PlanStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// PlanList contains a list of Plan
type PlanList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Plan `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Plan{}, &PlanList{})
}
