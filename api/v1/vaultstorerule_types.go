// Copyright (c) sorah
// SPDX-License-Identifier: MPL-2.0

package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

const (
	// AnnotationRenewRequestedAt, when set to an RFC-3339 timestamp newer
	// than status.lastSuccessfulRunAt, forces a renew on the next run.
	AnnotationRenewRequestedAt = "vault2kube.sorah.jp/renewRequestedAt"
	// AnnotationRotateRequestedAt, when set to an RFC-3339 timestamp newer
	// than status.lastSuccessfulRunAt, forces a rotation on the next run.
	AnnotationRotateRequestedAt = "vault2kube.sorah.jp/rotateRequestedAt"
)

// RolloutRestartTarget names a workload that should be nudged after a
// successful rotation. Kind must be one of Deployment, DaemonSet, or
// StatefulSet; any other value is a user error surfaced by the cluster
// adapter as UnsupportedRolloutKindError.
type RolloutRestartTarget struct {
	// +kubebuilder:validation:Enum={Deployment,DaemonSet,StatefulSet}
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// RuleTemplate names an output secret key and the template text that
// renders its value from the acquired lease's data.
type RuleTemplate struct {
	Key      string `json:"key"`
	Template string `json:"template"`
}

// VaultStoreRuleSpec is authored by a human operator and declares what
// Vault secret to materialize, where to put it, and the lifecycle policy
// that governs renewal, rotation, and revocation.
type VaultStoreRuleSpec struct {
	// SourcePath is the location of the credential in Vault.
	SourcePath string `json:"sourcePath"`

	// Parameters, when present, causes the core to issue a write to
	// SourcePath with these parameters (credential generation). When
	// omitted (nil), the core issues a read instead.
	// +optional
	Parameters map[string]any `json:"parameters,omitempty"`

	// DestinationName is the name of the Secret object to create or update.
	DestinationName string `json:"destinationName"`

	// Templates is the ordered, non-empty list of output key/template
	// pairs rendered against the acquired lease's data.
	Templates []RuleTemplate `json:"templates"`

	// RolloutRestarts names workloads to nudge after a successful
	// rotation.
	// +optional
	RolloutRestarts []RolloutRestartTarget `json:"rolloutRestarts,omitempty"`

	// RenewBeforeSeconds triggers a renew when now >= expiresAt -
	// renewBeforeSeconds.
	// +optional
	// +kubebuilder:validation:Minimum=0
	RenewBeforeSeconds *int `json:"renewBeforeSeconds,omitempty"`

	// RotateBeforeSeconds triggers a rotation when now >= expiresAt -
	// rotateBeforeSeconds. Should exceed RenewBeforeSeconds.
	// +optional
	// +kubebuilder:validation:Minimum=0
	RotateBeforeSeconds *int `json:"rotateBeforeSeconds,omitempty"`

	// RevokeAfterSeconds triggers revocation of the previous lease when
	// now >= rotatedAt + revokeAfterSeconds.
	// +optional
	// +kubebuilder:validation:Minimum=0
	RevokeAfterSeconds *int `json:"revokeAfterSeconds,omitempty"`
}

// VaultStoreRuleStatus is owned exclusively by the core and mutated only
// through the step sequence in internal/rule.Run.
type VaultStoreRuleStatus struct {
	// LeaseID is the current lease, if any.
	// +optional
	LeaseID string `json:"leaseId,omitempty"`
	// TTL is the lifetime, in seconds, of LeaseID as of ExpiresAt - TTL.
	// +optional
	TTL *uint32 `json:"ttl,omitempty"`
	// ExpiresAt is when LeaseID expires.
	// +optional
	ExpiresAt *metav1.Time `json:"expiresAt,omitempty"`

	// LastLeaseID is the previous lease awaiting revocation.
	// +optional
	LastLeaseID string `json:"lastLeaseId,omitempty"`
	// RotatedAt is the wall time of the most recent rotation.
	// +optional
	RotatedAt *metav1.Time `json:"rotatedAt,omitempty"`

	// NextLeaseID is the crash-recovery field: a lease just acquired whose
	// secret has not yet been persisted. Non-empty on entry to a run
	// indicates a prior crash mid-rotation.
	// +optional
	NextLeaseID string `json:"nextLeaseId,omitempty"`

	// LastRunStartedAt records when the most recent run touched this rule.
	// +optional
	LastRunStartedAt *metav1.Time `json:"lastRunStartedAt,omitempty"`
	// LastSuccessfulRunAt advances monotonically and gates
	// annotation-triggered actions.
	// +optional
	LastSuccessfulRunAt *metav1.Time `json:"lastSuccessfulRunAt,omitempty"`

	// Conditions is carried through status patches unchanged; the state
	// machine neither sets nor reads any condition.
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Namespaced

// VaultStoreRule is the vault2kube.sorah.jp/v1 custom resource that
// declares a Vault-lease-to-Kubernetes-Secret reconciliation rule.
type VaultStoreRule struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   VaultStoreRuleSpec   `json:"spec,omitempty"`
	Status VaultStoreRuleStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// VaultStoreRuleList contains a list of VaultStoreRule.
type VaultStoreRuleList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []VaultStoreRule `json:"items"`
}

func (in *VaultStoreRule) DeepCopyInto(out *VaultStoreRule) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	in.Spec.DeepCopyInto(&out.Spec)
	in.Status.DeepCopyInto(&out.Status)
}

func (in *VaultStoreRule) DeepCopy() *VaultStoreRule {
	if in == nil {
		return nil
	}
	out := new(VaultStoreRule)
	in.DeepCopyInto(out)
	return out
}

func (in *VaultStoreRule) DeepCopyObject() runtime.Object {
	return in.DeepCopy()
}

func (in *VaultStoreRuleSpec) DeepCopyInto(out *VaultStoreRuleSpec) {
	*out = *in
	if in.Parameters != nil {
		out.Parameters = make(map[string]any, len(in.Parameters))
		for k, v := range in.Parameters {
			out.Parameters[k] = v
		}
	}
	if in.Templates != nil {
		out.Templates = make([]RuleTemplate, len(in.Templates))
		copy(out.Templates, in.Templates)
	}
	if in.RolloutRestarts != nil {
		out.RolloutRestarts = make([]RolloutRestartTarget, len(in.RolloutRestarts))
		copy(out.RolloutRestarts, in.RolloutRestarts)
	}
	if in.RenewBeforeSeconds != nil {
		v := *in.RenewBeforeSeconds
		out.RenewBeforeSeconds = &v
	}
	if in.RotateBeforeSeconds != nil {
		v := *in.RotateBeforeSeconds
		out.RotateBeforeSeconds = &v
	}
	if in.RevokeAfterSeconds != nil {
		v := *in.RevokeAfterSeconds
		out.RevokeAfterSeconds = &v
	}
}

func (in *VaultStoreRuleSpec) DeepCopy() *VaultStoreRuleSpec {
	if in == nil {
		return nil
	}
	out := new(VaultStoreRuleSpec)
	in.DeepCopyInto(out)
	return out
}

func (in *VaultStoreRuleStatus) DeepCopyInto(out *VaultStoreRuleStatus) {
	*out = *in
	if in.TTL != nil {
		v := *in.TTL
		out.TTL = &v
	}
	if in.ExpiresAt != nil {
		v := in.ExpiresAt.DeepCopy()
		out.ExpiresAt = &v
	}
	if in.RotatedAt != nil {
		v := in.RotatedAt.DeepCopy()
		out.RotatedAt = &v
	}
	if in.LastRunStartedAt != nil {
		v := in.LastRunStartedAt.DeepCopy()
		out.LastRunStartedAt = &v
	}
	if in.LastSuccessfulRunAt != nil {
		v := in.LastSuccessfulRunAt.DeepCopy()
		out.LastSuccessfulRunAt = &v
	}
	if in.Conditions != nil {
		out.Conditions = make([]metav1.Condition, len(in.Conditions))
		for i := range in.Conditions {
			in.Conditions[i].DeepCopyInto(&out.Conditions[i])
		}
	}
}

func (in *VaultStoreRuleStatus) DeepCopy() *VaultStoreRuleStatus {
	if in == nil {
		return nil
	}
	out := new(VaultStoreRuleStatus)
	in.DeepCopyInto(out)
	return out
}

func (in *VaultStoreRuleList) DeepCopyInto(out *VaultStoreRuleList) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ListMeta.DeepCopyInto(&out.ListMeta)
	if in.Items != nil {
		out.Items = make([]VaultStoreRule, len(in.Items))
		for i := range in.Items {
			in.Items[i].DeepCopyInto(&out.Items[i])
		}
	}
}

func (in *VaultStoreRuleList) DeepCopy() *VaultStoreRuleList {
	if in == nil {
		return nil
	}
	out := new(VaultStoreRuleList)
	in.DeepCopyInto(out)
	return out
}

func (in *VaultStoreRuleList) DeepCopyObject() runtime.Object {
	return in.DeepCopy()
}

func init() {
	SchemeBuilder.Register(&VaultStoreRule{}, &VaultStoreRuleList{})
}
